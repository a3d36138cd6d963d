package change

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventProposalCreated    EventType = "change_proposal.created"
	EventProposalModified   EventType = "change_proposal.modified"
	EventProposalDeleted    EventType = "change_proposal.deleted"
	EventProposalIntegrated EventType = "change_proposal.integrated"
	EventResourcesAdded     EventType = "change_proposal.resources_added"
	EventResourcesRemoved   EventType = "change_proposal.resources_removed"
	EventReviewPerformed    EventType = "review.performed"
	EventReviewModified     EventType = "review.modified"
)

// Event is the envelope handed to downstream consumers (activity feed,
// notifications, external messaging). It carries a full snapshot of the
// affected proposal so consumers never have to query back into this core.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	ActorID    string         `json:"actorId"`
	Proposal   ChangeProposal `json:"proposal"`
}

func NewEvent(eventType EventType, actor string, proposal ChangeProposal, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: now,
		ActorID:    actor,
		Proposal:   proposal,
	}
}
