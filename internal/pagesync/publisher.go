// Package pagesync publishes a local folder of documents as a page tree on
// a remote content service. Folders become container pages, documents
// become content pages, and folder nesting becomes page ancestry.
package pagesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/pagesync/internal/contentapi"
	"github.com/agentworkforce/pagesync/internal/identity"
)

var (
	ErrOutsideRoot = errors.New("document is outside the root folder")
	// ErrNotDocument marks a file under the root that is hidden, skipped or
	// has an extension that is not published.
	ErrNotDocument = errors.New("file is not a publishable document")
)

type Step string

const (
	StepPathResolution   Step = "path-resolution"
	StepRootResolution   Step = "root-resolution"
	StepAncestorCreation Step = "ancestor-creation"
	StepFinalPublish     Step = "final-publish"
)

// PublishError names the step at which a publish attempt stopped.
type PublishError struct {
	Step  Step
	Path  string
	Title string
	Err   error
}

func (e *PublishError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Step, e.Path, e.Err)
	}
	return fmt.Sprintf("%s failed for %q: %v", e.Step, e.Title, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Document is a rendered document and its vault-relative path.
type Document struct {
	Path    string
	Content string
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

type Result struct {
	Action   Action
	Title    string
	ParentID contentapi.PageID
	// PageID is only known for updates; a create does not return it.
	PageID  contentapi.PageID
	Version int
}

// IdentityResolver resolves titles to page ids, optionally through a cache.
type IdentityResolver interface {
	Resolve(ctx context.Context, space, title string, useCache bool) (contentapi.PageID, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Publisher struct {
	client contentapi.Client
	ids    IdentityResolver
	logger Logger
}

func NewPublisher(client contentapi.Client, ids IdentityResolver, logger Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	return &Publisher{client: client, ids: ids, logger: logger}, nil
}

// PublishDocument resolves the root page by title and publishes doc
// beneath it. A missing root page aborts before any write.
func (p *Publisher) PublishDocument(ctx context.Context, space, rootTitle string, doc Document) (Result, error) {
	rootID, err := p.ResolveRoot(ctx, space, rootTitle)
	if err != nil {
		return Result{}, err
	}
	return p.Publish(ctx, space, rootID, rootTitle, doc)
}

func (p *Publisher) ResolveRoot(ctx context.Context, space, rootTitle string) (contentapi.PageID, error) {
	rootID, err := p.ids.Resolve(ctx, space, rootTitle, true)
	if err != nil {
		return 0, &PublishError{Step: StepRootResolution, Title: rootTitle, Err: err}
	}
	return rootID, nil
}

// Publish creates or updates the page for doc under the page tree rooted
// at rootID, materializing missing folder pages on the way. Publishing an
// unchanged document again updates the existing page rather than creating
// a duplicate.
func (p *Publisher) Publish(ctx context.Context, space string, rootID contentapi.PageID, rootTitle string, doc Document) (Result, error) {
	loc := ResolvePath(doc.Path, rootTitle)
	if loc.LeafName == "" {
		return Result{}, &PublishError{
			Step: StepPathResolution,
			Path: doc.Path,
			Err:  fmt.Errorf("%w: no document name after %q", ErrOutsideRoot, rootTitle),
		}
	}

	parentID, err := p.EnsureAncestorChain(ctx, space, loc.Ancestors, rootID)
	if err != nil {
		return Result{}, &PublishError{Step: StepAncestorCreation, Path: doc.Path, Title: loc.LeafName, Err: err}
	}

	// The leaf is looked up without the cache: its id and version must
	// reflect the remote state right before the write.
	current, err := p.client.FindPage(ctx, space, loc.LeafName)
	if err != nil {
		return Result{}, &PublishError{Step: StepFinalPublish, Path: doc.Path, Title: loc.LeafName, Err: err}
	}

	if current.Found && current.ID <= 0 {
		err := fmt.Errorf("%w: %q has id %d", identity.ErrInvalidID, loc.LeafName, current.ID)
		return Result{}, &PublishError{Step: StepFinalPublish, Path: doc.Path, Title: loc.LeafName, Err: err}
	}

	body := contentapi.ContentBody(doc.Content)
	if current.Found {
		err = p.client.UpdatePage(ctx, contentapi.UpdateRequest{
			Space:          space,
			AncestorID:     parentID,
			PageID:         current.ID,
			CurrentVersion: current.Version,
			Title:          loc.LeafName,
			Body:           body,
		})
		if err != nil {
			return Result{}, &PublishError{Step: StepFinalPublish, Path: doc.Path, Title: loc.LeafName, Err: err}
		}
		p.logf("updated page %q (%s) to version %d", loc.LeafName, current.ID, current.Version+1)
		return Result{
			Action:   ActionUpdated,
			Title:    loc.LeafName,
			ParentID: parentID,
			PageID:   current.ID,
			Version:  current.Version + 1,
		}, nil
	}

	err = p.client.CreatePage(ctx, contentapi.CreateRequest{
		Space:      space,
		AncestorID: parentID,
		Title:      loc.LeafName,
		Body:       body,
	})
	if err != nil {
		return Result{}, &PublishError{Step: StepFinalPublish, Path: doc.Path, Title: loc.LeafName, Err: err}
	}
	p.logf("created page %q under %s", loc.LeafName, parentID)
	return Result{
		Action:   ActionCreated,
		Title:    loc.LeafName,
		ParentID: parentID,
		Version:  1,
	}, nil
}

func (p *Publisher) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
