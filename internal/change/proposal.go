package change

import (
	"errors"
	"strings"
	"time"

	"atelier/api/internal/util"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusIntegrated Status = "INTEGRATED"
)

type ReviewStatus string

const (
	ReviewApproved  ReviewStatus = "APPROVED"
	ReviewRejected  ReviewStatus = "REJECTED"
	ReviewCommented ReviewStatus = "COMMENTED"
)

var (
	ErrBlankName           = errors.New("name cannot be blank")
	ErrBlankMessage        = errors.New("review message cannot be blank")
	ErrUnknownStatus       = errors.New("unknown proposal status")
	ErrUnknownReviewStatus = errors.New("unknown review status")
	ErrSameStatus          = errors.New("proposal already has that status")
	ErrIntegrated          = errors.New("integrated proposal cannot change status")
)

// Review is one author's verdict on a ChangeProposal. There is at most one
// per author; a repeat review overwrites message and status in place.
type Review struct {
	ID         string       `json:"id"`
	AuthorID   string       `json:"authorId"`
	Message    string       `json:"message"`
	Status     ReviewStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	ModifiedAt time.Time    `json:"modifiedAt"`
}

// ChangeProposal is the workflow aggregate: exactly one current Change (the
// head of its private chain), a status, a free-text read-me and the review
// collection.
type ChangeProposal struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Name       string    `json:"name"`
	ReadMe     string    `json:"readMe"`
	Status     Status    `json:"status"`
	Change     Change    `json:"change"`
	Reviews    []Review  `json:"reviews"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedBy string    `json:"modifiedBy"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// NewChangeProposal wraps a root Change into a fresh OPEN proposal.
func NewChangeProposal(projectID, name string, root Change, author string, now time.Time) (ChangeProposal, error) {
	if strings.TrimSpace(name) == "" {
		return ChangeProposal{}, ErrBlankName
	}
	return ChangeProposal{
		ID:         util.NewID("cp"),
		ProjectID:  projectID,
		Name:       name,
		Status:     StatusOpen,
		Change:     root,
		Reviews:    []Review{},
		CreatedBy:  author,
		CreatedAt:  now,
		ModifiedBy: author,
		ModifiedAt: now,
	}, nil
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusApproved, StatusRejected, StatusIntegrated:
		return true
	default:
		return false
	}
}

func ValidReviewStatus(s ReviewStatus) bool {
	switch s {
	case ReviewApproved, ReviewRejected, ReviewCommented:
		return true
	default:
		return false
	}
}

// WithStatus transitions the proposal. A no-op transition is rejected rather
// than silently accepted, and INTEGRATED is terminal.
func (p ChangeProposal) WithStatus(next Status, actor string, now time.Time) (ChangeProposal, error) {
	if !ValidStatus(next) {
		return ChangeProposal{}, ErrUnknownStatus
	}
	if next == p.Status {
		return ChangeProposal{}, ErrSameStatus
	}
	if p.Status == StatusIntegrated {
		return ChangeProposal{}, ErrIntegrated
	}
	p.Status = next
	p.ModifiedBy = actor
	p.ModifiedAt = now
	return p, nil
}

// WithReadMe replaces the proposal description.
func (p ChangeProposal) WithReadMe(content, actor string, now time.Time) ChangeProposal {
	p.ReadMe = content
	p.ModifiedBy = actor
	p.ModifiedAt = now
	return p
}

// WithChange reassigns the proposal head to a Change derived from the
// current one.
func (p ChangeProposal) WithChange(c Change, actor string, now time.Time) ChangeProposal {
	p.Change = c
	p.ModifiedBy = actor
	p.ModifiedAt = now
	return p
}

// PerformReview records author's verdict. An existing review by the same
// author is updated in place; otherwise a new one is appended. The returned
// bool reports whether a new review was created.
func (p ChangeProposal) PerformReview(author, message string, status ReviewStatus, now time.Time) (ChangeProposal, Review, bool, error) {
	if strings.TrimSpace(message) == "" {
		return ChangeProposal{}, Review{}, false, ErrBlankMessage
	}
	if !ValidReviewStatus(status) {
		return ChangeProposal{}, Review{}, false, ErrUnknownReviewStatus
	}

	reviews := make([]Review, len(p.Reviews))
	copy(reviews, p.Reviews)

	for i, existing := range reviews {
		if existing.AuthorID != author {
			continue
		}
		existing.Message = message
		existing.Status = status
		existing.ModifiedAt = now
		reviews[i] = existing
		p.Reviews = reviews
		p.ModifiedBy = author
		p.ModifiedAt = now
		return p, existing, false, nil
	}

	review := Review{
		ID:         util.NewID("rev"),
		AuthorID:   author,
		Message:    message,
		Status:     status,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	p.Reviews = append(reviews, review)
	p.ModifiedBy = author
	p.ModifiedAt = now
	return p, review, true, nil
}

// ReviewByAuthor returns author's current review, if any.
func (p ChangeProposal) ReviewByAuthor(author string) (Review, bool) {
	for _, review := range p.Reviews {
		if review.AuthorID == author {
			return review, true
		}
	}
	return Review{}, false
}
