// Package change holds the domain core of the change history: immutable
// resource snapshots (Change), the proposal aggregate wrapping them, and the
// domain events emitted by mutations. Nothing in this package touches
// storage; mutations return new values and leave their inputs untouched.
package change

import (
	"errors"
	"sort"
	"time"

	"atelier/api/internal/util"
)

var (
	ErrEmptyResourceSet    = errors.New("resource set cannot be empty")
	ErrDuplicateResource   = errors.New("resource already part of change")
	ErrUnknownResourceLink = errors.New("resource link does not belong to change")
)

// ResourceLink associates a Change with an externally stored blob. The link
// has its own id distinct from the blob's id, so the same resource can in
// principle appear through different links.
type ResourceLink struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// Change is an immutable snapshot of a resource set. Deriving from a Change
// produces a fresh id with the parent pointer set to the source; the source
// is never modified.
type Change struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Name      string         `json:"name"`
	Resources []ResourceLink `json:"resources"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewRootChange builds the first Change of a proposal's private chain.
func NewRootChange(name string, links []ResourceLink, now time.Time) (Change, error) {
	if len(links) == 0 {
		return Change{}, ErrEmptyResourceSet
	}
	if hasDuplicateResource(links) {
		return Change{}, ErrDuplicateResource
	}
	return Change{
		ID:        util.NewID("chg"),
		Name:      name,
		Resources: withLinkIDs(links),
		CreatedAt: now,
	}, nil
}

// WithAddedResources derives a new Change whose resource set is the union of
// the receiver's set and links. Fails if any link's resource id is already
// present, or appears more than once in links.
func (c Change) WithAddedResources(links []ResourceLink, now time.Time) (Change, error) {
	if hasDuplicateResource(links) {
		return Change{}, ErrDuplicateResource
	}
	for _, link := range links {
		if c.HasResource(link.ResourceID) {
			return Change{}, ErrDuplicateResource
		}
	}
	merged := make([]ResourceLink, 0, len(c.Resources)+len(links))
	merged = append(merged, c.Resources...)
	merged = append(merged, withLinkIDs(links)...)
	return Change{
		ID:        util.NewID("chg"),
		ParentID:  c.ID,
		Name:      c.Name,
		Resources: merged,
		CreatedAt: now,
	}, nil
}

// WithRemovedResources derives a new Change with the named links dropped.
// Every id must be a link id currently present on the receiver, not a
// resource id.
func (c Change) WithRemovedResources(linkIDs []string, now time.Time) (Change, error) {
	drop := make(map[string]struct{}, len(linkIDs))
	for _, id := range linkIDs {
		if _, ok := c.Link(id); !ok {
			return Change{}, ErrUnknownResourceLink
		}
		drop[id] = struct{}{}
	}
	kept := make([]ResourceLink, 0, len(c.Resources))
	for _, link := range c.Resources {
		if _, gone := drop[link.ID]; !gone {
			kept = append(kept, link)
		}
	}
	return Change{
		ID:        util.NewID("chg"),
		ParentID:  c.ID,
		Name:      c.Name,
		Resources: kept,
		CreatedAt: now,
	}, nil
}

func (c Change) HasResource(resourceID string) bool {
	for _, link := range c.Resources {
		if link.ResourceID == resourceID {
			return true
		}
	}
	return false
}

func (c Change) Link(linkID string) (ResourceLink, bool) {
	for _, link := range c.Resources {
		if link.ID == linkID {
			return link, true
		}
	}
	return ResourceLink{}, false
}

// ResourceByPathName finds the link addressed by directory path and file
// name within this snapshot.
func (c Change) ResourceByPathName(path, name string) (ResourceLink, bool) {
	for _, link := range c.Resources {
		if link.Path == path && link.Name == name {
			return link, true
		}
	}
	return ResourceLink{}, false
}

// SortedResources returns the resource links ordered lexicographically by
// path + "/" + name, the order the query surface exposes.
func (c Change) SortedResources() []ResourceLink {
	out := make([]ResourceLink, len(c.Resources))
	copy(out, c.Resources)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Path+"/"+out[i].Name < out[j].Path+"/"+out[j].Name
	})
	return out
}

func hasDuplicateResource(links []ResourceLink) bool {
	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		if _, dup := seen[link.ResourceID]; dup {
			return true
		}
		seen[link.ResourceID] = struct{}{}
	}
	return false
}

func withLinkIDs(links []ResourceLink) []ResourceLink {
	out := make([]ResourceLink, len(links))
	for i, link := range links {
		if link.ID == "" {
			link.ID = util.NewID("crl")
		}
		out[i] = link
	}
	return out
}
