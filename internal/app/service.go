// Package app hosts the workflow services: membership-gated mutations over
// change proposals plus the read-only query surface. All business rules live
// here and in internal/change; the HTTP layer only translates.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"atelier/api/internal/authz"
	"atelier/api/internal/change"
	"atelier/api/internal/rbac"
	"atelier/api/internal/resource"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
)

// dataStore is the persistence contract the service consumes. PostgresStore
// satisfies it; tests plug in a fake.
type dataStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)

	CreateProposal(ctx context.Context, proposal change.ChangeProposal, events []change.Event) error
	GetProposal(ctx context.Context, proposalID string) (change.ChangeProposal, error)
	ListProposalsByProject(ctx context.Context, projectID string, page, size int) ([]change.ChangeProposal, int, error)
	UpdateProposalMeta(ctx context.Context, proposal change.ChangeProposal, events []change.Event) error
	AdvanceProposalChange(ctx context.Context, proposal change.ChangeProposal, expectedParentID string, events []change.Event) error
	UpsertReview(ctx context.Context, proposal change.ChangeProposal, review change.Review, events []change.Event) error
	DeleteProposals(ctx context.Context, proposalIDs []string, events []change.Event) ([]string, error)

	GetChange(ctx context.Context, changeID string) (change.Change, error)
	ProjectForChange(ctx context.Context, changeID string) (string, error)

	GetBranch(ctx context.Context, branchID string) (store.Branch, error)
	ListBranchesByProject(ctx context.Context, projectID string) ([]store.Branch, error)
	UpdateBranchChange(ctx context.Context, branchID, changeID, movedBy string, movedAt time.Time) error

	Ping(ctx context.Context) error
}

type Service struct {
	store     dataStore
	roles     authz.Roles
	resources resource.Store
	search    *search.Service
	now       func() time.Time
}

func New(st dataStore, roles authz.Roles, resources resource.Store, searchSvc *search.Service) *Service {
	return &Service{
		store:     st,
		roles:     roles,
		resources: resources,
		search:    searchSvc,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// requireMembership loads the project and checks that the caller may perform
// action within its owning organization.
func (s *Service) requireMembership(ctx context.Context, callerID, projectID string, action rbac.Action) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, errDoesNotExist("project")
	}
	if err != nil {
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	role, err := s.roles.Role(ctx, callerID, project.OrganizationID)
	if err != nil {
		return store.Project{}, fmt.Errorf("resolve role: %w", err)
	}
	if !rbac.Can(role, action) {
		return store.Project{}, errUnauthorized()
	}
	return project, nil
}

// loadGated fetches a proposal and verifies the caller's membership in its
// project's organization in one step.
func (s *Service) loadGated(ctx context.Context, callerID, proposalID string, action rbac.Action) (change.ChangeProposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return change.ChangeProposal{}, errDoesNotExist("change proposal")
	}
	if err != nil {
		return change.ChangeProposal{}, fmt.Errorf("get proposal: %w", err)
	}
	if _, err := s.requireMembership(ctx, callerID, proposal.ProjectID, action); err != nil {
		return change.ChangeProposal{}, err
	}
	return proposal, nil
}

// statResources resolves every resource id against the blob store and builds
// the links that will anchor them into a Change.
func (s *Service) statResources(ctx context.Context, resourceIDs []string) ([]change.ResourceLink, error) {
	links := make([]change.ResourceLink, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		info, err := s.resources.Stat(ctx, id)
		if errors.Is(err, resource.ErrNotExist) {
			return nil, errDoesNotExist("resource")
		}
		if err != nil {
			return nil, fmt.Errorf("stat resource %s: %w", id, err)
		}
		links = append(links, change.ResourceLink{
			ResourceID:  info.ID,
			Path:        info.Path,
			Name:        info.Name,
			ContentType: info.ContentType,
		})
	}
	return links, nil
}

// CreateChangeProposal opens a new proposal whose root change anchors the
// given resources.
func (s *Service) CreateChangeProposal(ctx context.Context, callerID, projectID, name string, resourceIDs []string) (change.ChangeProposal, error) {
	if strings.TrimSpace(name) == "" {
		return change.ChangeProposal{}, errCannotBeBlank("name")
	}
	if len(resourceIDs) == 0 {
		return change.ChangeProposal{}, errCannotBeEmpty("resources")
	}
	if _, err := s.requireMembership(ctx, callerID, projectID, rbac.ActionContribute); err != nil {
		return change.ChangeProposal{}, err
	}
	links, err := s.statResources(ctx, resourceIDs)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	root, err := change.NewRootChange(name, links, now)
	if errors.Is(err, change.ErrDuplicateResource) {
		return change.ChangeProposal{}, errAlreadyExists("resource")
	}
	if err != nil {
		return change.ChangeProposal{}, errCannotBeEmpty("resources")
	}
	proposal, err := change.NewChangeProposal(projectID, name, root, callerID, now)
	if err != nil {
		return change.ChangeProposal{}, errCannotBeBlank("name")
	}
	events := []change.Event{change.NewEvent(change.EventProposalCreated, callerID, proposal, now)}
	if err := s.store.CreateProposal(ctx, proposal, events); err != nil {
		return change.ChangeProposal{}, fmt.Errorf("create proposal: %w", err)
	}
	s.indexProposal(proposal)
	return proposal, nil
}

// UpdateReadMe replaces the proposal's read-me text.
func (s *Service) UpdateReadMe(ctx context.Context, callerID, proposalID, content string) (change.ChangeProposal, error) {
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionContribute)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	updated := proposal.WithReadMe(content, callerID, now)
	events := []change.Event{change.NewEvent(change.EventProposalModified, callerID, updated, now)}
	if err := s.store.UpdateProposalMeta(ctx, updated, events); err != nil {
		return change.ChangeProposal{}, fmt.Errorf("update read-me: %w", err)
	}
	s.indexProposal(updated)
	return updated, nil
}

// UpdateStatus moves the proposal through its workflow. Integration emits a
// dedicated event alongside the modification so downstream consumers can
// trigger publication without inspecting payloads.
func (s *Service) UpdateStatus(ctx context.Context, callerID, proposalID string, next change.Status) (change.ChangeProposal, error) {
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionContribute)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	updated, err := proposal.WithStatus(next, callerID, now)
	if err != nil {
		return change.ChangeProposal{}, errInvalid(err.Error())
	}
	events := []change.Event{change.NewEvent(change.EventProposalModified, callerID, updated, now)}
	if next == change.StatusIntegrated {
		events = append(events, change.NewEvent(change.EventProposalIntegrated, callerID, updated, now))
	}
	if err := s.store.UpdateProposalMeta(ctx, updated, events); err != nil {
		return change.ChangeProposal{}, fmt.Errorf("update status: %w", err)
	}
	s.indexProposal(updated)
	return updated, nil
}

// AddResources derives a new head change containing the proposal's current
// resources plus the given ones.
func (s *Service) AddResources(ctx context.Context, callerID, proposalID string, resourceIDs []string) (change.ChangeProposal, error) {
	if len(resourceIDs) == 0 {
		return change.ChangeProposal{}, errCannotBeEmpty("resources")
	}
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionContribute)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	links, err := s.statResources(ctx, resourceIDs)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	derived, err := proposal.Change.WithAddedResources(links, now)
	if errors.Is(err, change.ErrDuplicateResource) {
		return change.ChangeProposal{}, errAlreadyExists("resource")
	}
	if err != nil {
		return change.ChangeProposal{}, errInvalid(err.Error())
	}
	updated := proposal.WithChange(derived, callerID, now)
	events := []change.Event{change.NewEvent(change.EventResourcesAdded, callerID, updated, now)}
	if err := s.advance(ctx, updated, proposal.Change.ID, events); err != nil {
		return change.ChangeProposal{}, err
	}
	return updated, nil
}

// RemoveResources derives a new head change without the given resource
// links. Removing the last resource is allowed; the derived change is empty
// but the chain stays intact.
func (s *Service) RemoveResources(ctx context.Context, callerID, proposalID string, linkIDs []string) (change.ChangeProposal, error) {
	if len(linkIDs) == 0 {
		return change.ChangeProposal{}, errCannotBeEmpty("resources")
	}
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionContribute)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	derived, err := proposal.Change.WithRemovedResources(linkIDs, now)
	if errors.Is(err, change.ErrUnknownResourceLink) {
		return change.ChangeProposal{}, errDoesNotExist("resource")
	}
	if err != nil {
		return change.ChangeProposal{}, errInvalid(err.Error())
	}
	updated := proposal.WithChange(derived, callerID, now)
	events := []change.Event{change.NewEvent(change.EventResourcesRemoved, callerID, updated, now)}
	if err := s.advance(ctx, updated, proposal.Change.ID, events); err != nil {
		return change.ChangeProposal{}, err
	}
	return updated, nil
}

func (s *Service) advance(ctx context.Context, updated change.ChangeProposal, expectedParentID string, events []change.Event) error {
	err := s.store.AdvanceProposalChange(ctx, updated, expectedParentID, events)
	if errors.Is(err, store.ErrHeadMoved) {
		return errConflict("change proposal was modified concurrently, retry with the current state")
	}
	if err != nil {
		return fmt.Errorf("advance proposal change: %w", err)
	}
	return nil
}

// PerformReview records the caller's verdict on a proposal. A caller reviews
// a proposal at most once; a repeat call updates the existing review.
func (s *Service) PerformReview(ctx context.Context, callerID, proposalID, message string, status change.ReviewStatus) (change.ChangeProposal, error) {
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionContribute)
	if err != nil {
		return change.ChangeProposal{}, err
	}
	now := s.now().UTC()
	updated, review, created, err := proposal.PerformReview(callerID, message, status, now)
	if errors.Is(err, change.ErrBlankMessage) {
		return change.ChangeProposal{}, errCannotBeBlank("message")
	}
	if err != nil {
		return change.ChangeProposal{}, errInvalid(err.Error())
	}
	eventType := change.EventReviewPerformed
	if !created {
		eventType = change.EventReviewModified
	}
	events := []change.Event{change.NewEvent(eventType, callerID, updated, now)}
	if err := s.store.UpsertReview(ctx, updated, review, events); err != nil {
		return change.ChangeProposal{}, fmt.Errorf("upsert review: %w", err)
	}
	return updated, nil
}

// DeleteChangeProposals removes the given proposals, their unreferenced
// change chains, and releases resources nothing points to anymore. The
// caller must be allowed to delete every proposal in the batch; a single
// failing check aborts the whole operation before anything is touched.
func (s *Service) DeleteChangeProposals(ctx context.Context, callerID string, proposalIDs []string) error {
	if len(proposalIDs) == 0 {
		return errCannotBeEmpty("ids")
	}
	now := s.now().UTC()
	events := make([]change.Event, 0, len(proposalIDs))
	for _, id := range proposalIDs {
		proposal, err := s.loadGated(ctx, callerID, id, rbac.ActionContribute)
		if err != nil {
			return err
		}
		events = append(events, change.NewEvent(change.EventProposalDeleted, callerID, proposal, now))
	}
	orphaned, err := s.store.DeleteProposals(ctx, proposalIDs, events)
	if err != nil {
		return fmt.Errorf("delete proposals: %w", err)
	}
	// The rows are gone at this point. Resource release is best effort and
	// idempotent; a failed removal leaves an unreferenced blob, never a
	// dangling reference.
	for _, resourceID := range orphaned {
		if err := s.resources.Remove(ctx, resourceID); err != nil {
			log.Printf("release resource %s: %v", resourceID, err)
		}
	}
	if s.search != nil {
		for _, id := range proposalIDs {
			s.search.DeleteProposal(id)
		}
	}
	return nil
}

// MoveBranchHead points a branch at a different change.
func (s *Service) MoveBranchHead(ctx context.Context, callerID, branchID, changeID string) (store.Branch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Branch{}, errDoesNotExist("branch")
	}
	if err != nil {
		return store.Branch{}, fmt.Errorf("get branch: %w", err)
	}
	if _, err := s.requireMembership(ctx, callerID, branch.ProjectID, rbac.ActionContribute); err != nil {
		return store.Branch{}, err
	}
	if _, err := s.store.GetChange(ctx, changeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Branch{}, errDoesNotExist("change")
		}
		return store.Branch{}, fmt.Errorf("get change: %w", err)
	}
	now := s.now().UTC()
	if err := s.store.UpdateBranchChange(ctx, branchID, changeID, callerID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Branch{}, errDoesNotExist("branch")
		}
		return store.Branch{}, fmt.Errorf("move branch head: %w", err)
	}
	branch.ChangeID = changeID
	branch.ModifiedBy = callerID
	branch.ModifiedAt = now
	return branch, nil
}

// Query surface. Reads are gated on view permission so the core never leaks
// proposals across organizations.

func (s *Service) GetChangeProposal(ctx context.Context, callerID, proposalID string) (change.ChangeProposal, error) {
	return s.loadGated(ctx, callerID, proposalID, rbac.ActionView)
}

func (s *Service) ListChangeProposals(ctx context.Context, callerID, projectID string, page, size int) ([]change.ChangeProposal, int, error) {
	if _, err := s.requireMembership(ctx, callerID, projectID, rbac.ActionView); err != nil {
		return nil, 0, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	proposals, total, err := s.store.ListProposalsByProject(ctx, projectID, page, size)
	if err != nil {
		return nil, 0, fmt.Errorf("list proposals: %w", err)
	}
	return proposals, total, nil
}

func (s *Service) ListReviews(ctx context.Context, callerID, proposalID string) ([]change.Review, error) {
	proposal, err := s.loadGated(ctx, callerID, proposalID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	reviews := proposal.Reviews
	if reviews == nil {
		reviews = []change.Review{}
	}
	return reviews, nil
}

// loadChangeGated fetches a change after verifying the caller may view the
// project whose chains contain it, so snapshot contents never leak across
// organizations.
func (s *Service) loadChangeGated(ctx context.Context, callerID, changeID string) (change.Change, error) {
	projectID, err := s.store.ProjectForChange(ctx, changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Change{}, errDoesNotExist("change")
	}
	if err != nil {
		return change.Change{}, fmt.Errorf("resolve change project: %w", err)
	}
	if _, err := s.requireMembership(ctx, callerID, projectID, rbac.ActionView); err != nil {
		return change.Change{}, err
	}
	c, err := s.store.GetChange(ctx, changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Change{}, errDoesNotExist("change")
	}
	if err != nil {
		return change.Change{}, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

func (s *Service) ListChangeResources(ctx context.Context, callerID, changeID string) ([]change.ResourceLink, error) {
	c, err := s.loadChangeGated(ctx, callerID, changeID)
	if err != nil {
		return nil, err
	}
	return c.SortedResources(), nil
}

func (s *Service) GetChangeResource(ctx context.Context, callerID, changeID, path, name string) (change.ResourceLink, error) {
	c, err := s.loadChangeGated(ctx, callerID, changeID)
	if err != nil {
		return change.ResourceLink{}, err
	}
	link, ok := c.ResourceByPathName(path, name)
	if !ok {
		return change.ResourceLink{}, errDoesNotExist("resource")
	}
	return link, nil
}

func (s *Service) ListBranches(ctx context.Context, callerID, projectID string) ([]store.Branch, error) {
	if _, err := s.requireMembership(ctx, callerID, projectID, rbac.ActionView); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranchesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return branches, nil
}

func (s *Service) SearchProposals(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) indexProposal(p change.ChangeProposal) {
	if s.search == nil {
		return
	}
	s.search.IndexProposal(search.ProposalRecord{
		ID:        p.ID,
		Name:      p.Name,
		ReadMe:    p.ReadMe,
		ProjectID: p.ProjectID,
		Status:    string(p.Status),
	})
}
