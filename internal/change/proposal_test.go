package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProposal(t *testing.T) ChangeProposal {
	t.Helper()
	root, err := NewRootChange("root", []ResourceLink{link("res-1", "docs", "intro.md")}, testNow)
	require.NoError(t, err)
	proposal, err := NewChangeProposal("proj-1", "Add feature", root, "user-1", testNow)
	require.NoError(t, err)
	return proposal
}

func TestNewChangeProposalDefaults(t *testing.T) {
	proposal := newTestProposal(t)
	assert.Equal(t, StatusOpen, proposal.Status)
	assert.Empty(t, proposal.Reviews)
	assert.Equal(t, "user-1", proposal.CreatedBy)

	_, err := NewChangeProposal("proj-1", "   ", proposal.Change, "user-1", testNow)
	assert.ErrorIs(t, err, ErrBlankName)
}

func TestWithStatusRejectsNoOp(t *testing.T) {
	proposal := newTestProposal(t)
	_, err := proposal.WithStatus(StatusOpen, "user-1", testNow)
	assert.ErrorIs(t, err, ErrSameStatus)
}

func TestWithStatusRejectsUnknownStatus(t *testing.T) {
	proposal := newTestProposal(t)
	_, err := proposal.WithStatus(Status("MERGED"), "user-1", testNow)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestIntegratedIsTerminal(t *testing.T) {
	proposal := newTestProposal(t)
	integrated, err := proposal.WithStatus(StatusIntegrated, "user-1", testNow)
	require.NoError(t, err)

	for _, next := range []Status{StatusOpen, StatusApproved, StatusRejected} {
		_, err := integrated.WithStatus(next, "user-1", testNow)
		assert.ErrorIs(t, err, ErrIntegrated, "INTEGRATED -> %s must be rejected", next)
	}
}

func TestReopenFromApprovedAndRejected(t *testing.T) {
	proposal := newTestProposal(t)

	approved, err := proposal.WithStatus(StatusApproved, "user-2", testNow)
	require.NoError(t, err)
	reopened, err := approved.WithStatus(StatusOpen, "user-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status)

	rejected, err := reopened.WithStatus(StatusRejected, "user-2", testNow)
	require.NoError(t, err)
	_, err = rejected.WithStatus(StatusOpen, "user-1", testNow)
	assert.NoError(t, err)
}

func TestPerformReviewUpsertsByAuthor(t *testing.T) {
	proposal := newTestProposal(t)

	first, review, created, err := proposal.PerformReview("user-2", "looks good", ReviewApproved, testNow)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, first.Reviews, 1)

	second, updated, created, err := first.PerformReview("user-2", "changed my mind", ReviewRejected, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, second.Reviews, 1, "second review by same author must not create a second row")
	assert.Equal(t, review.ID, updated.ID)
	assert.Equal(t, ReviewRejected, second.Reviews[0].Status)
	assert.Equal(t, "changed my mind", second.Reviews[0].Message)
	assert.Equal(t, review.CreatedAt, second.Reviews[0].CreatedAt)
	assert.True(t, second.Reviews[0].ModifiedAt.After(review.ModifiedAt))

	// a different author gets their own review
	third, _, created, err := second.PerformReview("user-3", "commenting", ReviewCommented, testNow)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, third.Reviews, 2)
}

func TestPerformReviewValidation(t *testing.T) {
	proposal := newTestProposal(t)

	_, _, _, err := proposal.PerformReview("user-2", "  ", ReviewApproved, testNow)
	assert.ErrorIs(t, err, ErrBlankMessage)

	_, _, _, err = proposal.PerformReview("user-2", "fine", ReviewStatus("SHIPPED"), testNow)
	assert.ErrorIs(t, err, ErrUnknownReviewStatus)
}

func TestPerformReviewDoesNotMutateReceiver(t *testing.T) {
	proposal := newTestProposal(t)
	_, _, _, err := proposal.PerformReview("user-2", "first", ReviewCommented, testNow)
	require.NoError(t, err)
	assert.Empty(t, proposal.Reviews)
}
