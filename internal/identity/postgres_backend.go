package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/pagesync/internal/contentapi"
)

const (
	postgresIdentityTableName = "pagesync_identity"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per (space, title) mapping. Save upserts
// every mapping of the snapshot in a single transaction; rows are never
// deleted because the cache never forgets an identifier.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresIdentityTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load() (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT space_key, title, page_id FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := &Snapshot{Spaces: map[string]map[string]contentapi.PageID{}}
	count := 0
	for rows.Next() {
		var space, title string
		var pageID int64
		if err := rows.Scan(&space, &title, &pageID); err != nil {
			return nil, err
		}
		titles, ok := snapshot.Spaces[space]
		if !ok {
			titles = map[string]contentapi.PageID{}
			snapshot.Spaces[space] = titles
		}
		titles[title] = contentapi.PageID(pageID)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return snapshot, nil
}

func (b *PostgresBackend) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (space_key, title, page_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (space_key, title)
		DO UPDATE SET page_id = EXCLUDED.page_id, updated_at = NOW()
		WHERE %s.page_id <> EXCLUDED.page_id`,
		postgresQuoteIdentifier(b.tableName), postgresQuoteIdentifier(b.tableName))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	spaces := make([]string, 0, len(snapshot.Spaces))
	for space := range snapshot.Spaces {
		spaces = append(spaces, space)
	}
	sort.Strings(spaces)
	for _, space := range spaces {
		titles := snapshot.Spaces[space]
		names := make([]string, 0, len(titles))
		for title := range titles {
			names = append(names, title)
		}
		sort.Strings(names)
		for _, title := range names {
			if _, err := stmt.ExecContext(ctx, space, title, int64(titles[title])); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidDSN
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				space_key TEXT NOT NULL,
				title TEXT NOT NULL,
				page_id BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (space_key, title)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
