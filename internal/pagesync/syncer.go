package pagesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/pagesync/internal/contentapi"
)

type SyncerOptions struct {
	Space     string
	RootTitle string
	LocalRoot string
	// Extensions selects which files are documents. Defaults to ".md".
	Extensions []string
	// SkipFiles are never published, e.g. a cache file kept in the root.
	SkipFiles []string
	Logger    Logger
}

// Syncer maps files under a local root folder to documents beneath the
// root page and publishes them.
type Syncer struct {
	publisher  *Publisher
	space      string
	rootTitle  string
	localRoot  string
	extensions map[string]struct{}
	skip       map[string]struct{}
	logger     Logger
}

type SyncSummary struct {
	Created int
	Updated int
	Failed  []string
}

func NewSyncer(publisher *Publisher, opts SyncerOptions) (*Syncer, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	space := strings.TrimSpace(opts.Space)
	if space == "" {
		return nil, fmt.Errorf("space is required")
	}
	rootTitle := strings.TrimSpace(opts.RootTitle)
	if rootTitle == "" {
		return nil, fmt.Errorf("root title is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot, err := filepath.Abs(filepath.Clean(localRootRaw))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local root %s is not a directory", localRoot)
	}

	extensions := map[string]struct{}{}
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = struct{}{}
	}
	if len(extensions) == 0 {
		extensions[".md"] = struct{}{}
	}
	skip := map[string]struct{}{}
	for _, path := range opts.SkipFiles {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			skip[abs] = struct{}{}
		}
	}
	return &Syncer{
		publisher:  publisher,
		space:      space,
		rootTitle:  rootTitle,
		localRoot:  localRoot,
		extensions: extensions,
		skip:       skip,
		logger:     opts.Logger,
	}, nil
}

func (s *Syncer) LocalRoot() string {
	return s.localRoot
}

// SyncOnce publishes every document under the local root. A failed
// document is reported and skipped; the root page failing to resolve
// stops the whole run.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncSummary, error) {
	var summary SyncSummary
	paths, err := s.scanLocalFiles()
	if err != nil {
		return summary, err
	}
	if len(paths) == 0 {
		return summary, nil
	}
	rootID, err := s.publisher.ResolveRoot(ctx, s.space, s.rootTitle)
	if err != nil {
		return summary, err
	}

	var failures []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := s.publishPath(ctx, rootID, path)
		if err != nil {
			s.logf("publish %s failed: %v", path, err)
			summary.Failed = append(summary.Failed, path)
			failures = append(failures, err)
			continue
		}
		switch result.Action {
		case ActionCreated:
			summary.Created++
		case ActionUpdated:
			summary.Updated++
		}
	}
	return summary, errors.Join(failures...)
}

// PublishFile publishes a single file under the local root.
func (s *Syncer) PublishFile(ctx context.Context, path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.relativePath(abs); err != nil {
		return Result{}, &PublishError{Step: StepPathResolution, Path: path, Err: err}
	}
	if !s.Includes(abs) {
		return Result{}, &PublishError{Step: StepPathResolution, Path: path, Err: ErrNotDocument}
	}
	rootID, err := s.publisher.ResolveRoot(ctx, s.space, s.rootTitle)
	if err != nil {
		return Result{}, err
	}
	return s.publishPath(ctx, rootID, abs)
}

// Includes reports whether path is a document this syncer publishes.
func (s *Syncer) Includes(path string) bool {
	rel, err := s.relativePath(path)
	if err != nil {
		return false
	}
	if _, skip := s.skip[filepath.Join(s.localRoot, rel)]; skip {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(segment, ".") {
			return false
		}
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(rel))]
	return ok
}

func (s *Syncer) publishPath(ctx context.Context, rootID contentapi.PageID, path string) (Result, error) {
	doc, err := s.documentFor(path)
	if err != nil {
		return Result{}, &PublishError{Step: StepPathResolution, Path: path, Err: err}
	}
	return s.publisher.Publish(ctx, s.space, rootID, s.rootTitle, doc)
}

// documentFor reads path and names it relative to the root title, so that
// root/Proj/Design.md becomes "<root title>/Proj/Design.md".
func (s *Syncer) documentFor(path string) (Document, error) {
	rel, err := s.relativePath(path)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.localRoot, rel))
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:    s.rootTitle + "/" + filepath.ToSlash(rel),
		Content: string(data),
	}, nil
}

func (s *Syncer) relativePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.localRoot, abs)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(filepath.ToSlash(rel), "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return rel, nil
}

func (s *Syncer) scanLocalFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != s.localRoot && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if s.Includes(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
