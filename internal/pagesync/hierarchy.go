package pagesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/pagesync/internal/contentapi"
	"github.com/agentworkforce/pagesync/internal/identity"
)

// EnsureAncestorChain walks ancestors outermost first, creating a container
// page for every folder the remote service does not know yet, and returns
// the id of the innermost folder (rootID when ancestors is empty).
//
// A create returns no id, so each created folder is looked up again by
// title. The walk stops at the first folder that cannot be created or
// found; pages created before that point are left in place.
func (p *Publisher) EnsureAncestorChain(ctx context.Context, space string, ancestors []string, rootID contentapi.PageID) (contentapi.PageID, error) {
	parent := rootID
	for _, folder := range ancestors {
		id, err := p.ids.Resolve(ctx, space, folder, true)
		if err == nil {
			parent = id
			continue
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return 0, fmt.Errorf("resolve folder %q: %w", folder, err)
		}

		err = p.client.CreatePage(ctx, contentapi.CreateRequest{
			Space:      space,
			AncestorID: parent,
			Title:      folder,
			Body:       contentapi.ContainerBody(folder),
		})
		if err != nil {
			return 0, fmt.Errorf("create folder page %q under %s: %w", folder, parent, err)
		}
		p.logf("created folder page %q under %s", folder, parent)

		id, err = p.ids.Resolve(ctx, space, folder, true)
		if err != nil {
			return 0, fmt.Errorf("resolve created folder %q: %w", folder, err)
		}
		parent = id
	}
	return parent, nil
}
