package store

import "time"

// Organization and Project exist so membership checks can resolve a project
// to the organization whose roles gate every mutation. Project lifecycle
// itself is owned elsewhere in the platform.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Branch is a mutable named pointer into the change chain, scoped to a
// project. ChangeID is empty until the first integration; moving the head is
// the only permitted mutation.
type Branch struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Name       string    `json:"name"`
	ChangeID   string    `json:"changeId"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedBy string    `json:"modifiedBy"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// OutboxEvent is one committed domain event awaiting publication. Payload is
// the JSON-encoded change.Event envelope.
type OutboxEvent struct {
	ID          int64
	EventID     string
	EventType   string
	ActorID     string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
