package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atelier/api/internal/change"
)

// ErrHeadMoved reports that a proposal's head change moved between the read
// that produced a derivation and the write that tried to install it. The
// caller must re-read and retry rather than overwrite a concurrent writer.
var ErrHeadMoved = errors.New("proposal head moved concurrently")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OrganizationID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// MembershipRole returns the caller's role within an organization, or the
// empty string when no membership row exists.
func (s *PostgresStore) MembershipRole(ctx context.Context, userID, organizationID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM organization_memberships
		WHERE organization_id=$1 AND user_id=$2
	`, organizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read membership role: %w", err)
	}
	return role, nil
}

// CreateProposal persists a new proposal, its root change and the creation
// events in one transaction.
func (s *PostgresStore) CreateProposal(ctx context.Context, proposal change.ChangeProposal, events []change.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertChange(ctx, tx, proposal.Change); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO change_proposals (id, project_id, name, read_me, status, change_id, created_by, created_at, modified_by, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, proposal.ID, proposal.ProjectID, proposal.Name, proposal.ReadMe, proposal.Status,
			proposal.Change.ID, proposal.CreatedBy, proposal.CreatedAt, proposal.ModifiedBy, proposal.ModifiedAt)
		if err != nil {
			return fmt.Errorf("insert change proposal: %w", err)
		}
		return insertOutbox(ctx, tx, events)
	})
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (change.ChangeProposal, error) {
	return loadProposal(ctx, s.db, proposalID)
}

// ListProposalsByProject returns one page of proposals ordered by creation
// time ascending, plus the total count for the project.
func (s *PostgresStore) ListProposalsByProject(ctx context.Context, projectID string, page, size int) ([]change.ChangeProposal, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_proposals WHERE project_id=$1
	`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count proposals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM change_proposals
		WHERE project_id=$1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, projectID, size, page*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("scan proposal id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate proposals: %w", err)
	}

	items := make([]change.ChangeProposal, 0, len(ids))
	for _, id := range ids {
		proposal, err := loadProposal(ctx, s.db, id)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, proposal)
	}
	return items, total, nil
}

// UpdateProposalMeta writes read-me, status and audit fields along with the
// events describing the mutation. The change chain is untouched.
func (s *PostgresStore) UpdateProposalMeta(ctx context.Context, proposal change.ChangeProposal, events []change.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE change_proposals
			SET read_me=$2, status=$3, modified_by=$4, modified_at=$5
			WHERE id=$1
		`, proposal.ID, proposal.ReadMe, proposal.Status, proposal.ModifiedBy, proposal.ModifiedAt)
		if err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		return insertOutbox(ctx, tx, events)
	})
}

// AdvanceProposalChange installs a derived change as the proposal's new head.
// The update is a compare-and-swap against the parent the derivation was
// computed from; if another writer advanced the head first, the transaction
// rolls back with ErrHeadMoved and the derived change is never persisted.
func (s *PostgresStore) AdvanceProposalChange(ctx context.Context, proposal change.ChangeProposal, expectedParentID string, events []change.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertChange(ctx, tx, proposal.Change); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE change_proposals
			SET change_id=$2, modified_by=$3, modified_at=$4
			WHERE id=$1 AND change_id=$5
		`, proposal.ID, proposal.Change.ID, proposal.ModifiedBy, proposal.ModifiedAt, expectedParentID)
		if err != nil {
			return fmt.Errorf("advance proposal head: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return ErrHeadMoved
		}
		return insertOutbox(ctx, tx, events)
	})
}

// UpsertReview persists one author's verdict, updating the existing row when
// the author has reviewed before.
func (s *PostgresStore) UpsertReview(ctx context.Context, proposal change.ChangeProposal, review change.Review, events []change.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reviews (id, proposal_id, author_id, message, status, created_at, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (proposal_id, author_id)
			DO UPDATE SET message=EXCLUDED.message, status=EXCLUDED.status, modified_at=EXCLUDED.modified_at
		`, review.ID, proposal.ID, review.AuthorID, review.Message, review.Status, review.CreatedAt, review.ModifiedAt)
		if err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE change_proposals SET modified_by=$2, modified_at=$3 WHERE id=$1
		`, proposal.ID, proposal.ModifiedBy, proposal.ModifiedAt); err != nil {
			return fmt.Errorf("touch proposal: %w", err)
		}
		return insertOutbox(ctx, tx, events)
	})
}

// DeleteProposals removes the proposals and their reviews, prunes change
// chains no surviving proposal or branch can reach, and reports the resource
// ids that are no longer referenced by any change so the caller can release
// them in the external store.
func (s *PostgresStore) DeleteProposals(ctx context.Context, proposalIDs []string, events []change.Event) ([]string, error) {
	var orphaned []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// resource ids referenced by the chains about to become unreachable
		candidates := make(map[string]struct{})
		for _, id := range proposalIDs {
			rows, err := tx.QueryContext(ctx, `
				WITH RECURSIVE chain AS (
					SELECT c.id, c.parent_id
					FROM changes c
					JOIN change_proposals cp ON cp.change_id = c.id
					WHERE cp.id = $1
					UNION
					SELECT c.id, c.parent_id
					FROM changes c
					JOIN chain ON chain.parent_id = c.id
				)
				SELECT DISTINCT cr.resource_id
				FROM change_resources cr
				JOIN chain ON chain.id = cr.change_id
			`, id)
			if err != nil {
				return fmt.Errorf("collect chain resources: %w", err)
			}
			for rows.Next() {
				var resourceID string
				if err := rows.Scan(&resourceID); err != nil {
					rows.Close()
					return fmt.Errorf("scan resource id: %w", err)
				}
				candidates[resourceID] = struct{}{}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("iterate chain resources: %w", err)
			}
			rows.Close()
		}

		for _, id := range proposalIDs {
			result, err := tx.ExecContext(ctx, `DELETE FROM change_proposals WHERE id=$1`, id)
			if err != nil {
				return fmt.Errorf("delete proposal: %w", err)
			}
			if affected, _ := result.RowsAffected(); affected == 0 {
				return sql.ErrNoRows
			}
		}

		// prune every change no surviving proposal head or branch head can
		// reach through parent pointers
		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE reachable AS (
				SELECT change_id AS id FROM change_proposals
				UNION
				SELECT change_id AS id FROM branches WHERE change_id IS NOT NULL
				UNION
				SELECT c.parent_id AS id
				FROM changes c
				JOIN reachable r ON r.id = c.id
				WHERE c.parent_id IS NOT NULL
			)
			DELETE FROM changes
			WHERE id NOT IN (SELECT id FROM reachable)
		`); err != nil {
			return fmt.Errorf("prune orphaned changes: %w", err)
		}

		for resourceID := range candidates {
			var stillReferenced bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM change_resources WHERE resource_id=$1)
			`, resourceID).Scan(&stillReferenced); err != nil {
				return fmt.Errorf("check resource references: %w", err)
			}
			if !stillReferenced {
				orphaned = append(orphaned, resourceID)
			}
		}

		return insertOutbox(ctx, tx, events)
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func (s *PostgresStore) GetChange(ctx context.Context, changeID string) (change.Change, error) {
	return loadChange(ctx, s.db, changeID)
}

// ProjectForChange resolves a change to the project owning it, by finding a
// proposal or branch whose head chain passes through the change. Every
// persisted change is reachable from some head (unreachable chains are
// pruned on delete), so sql.ErrNoRows means the change does not exist.
func (s *PostgresStore) ProjectForChange(ctx context.Context, changeID string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM changes WHERE id = $1
			UNION
			SELECT c.id FROM changes c JOIN descendants d ON c.parent_id = d.id
		)
		SELECT cp.project_id FROM change_proposals cp JOIN descendants d ON cp.change_id = d.id
		UNION
		SELECT b.project_id FROM branches b JOIN descendants d ON b.change_id = d.id
		LIMIT 1
	`, changeID).Scan(&projectID)
	if err != nil {
		return "", err
	}
	return projectID, nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var item Branch
	var changeID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, change_id, created_by, created_at, modified_by, modified_at
		FROM branches
		WHERE id=$1
	`, branchID).Scan(&item.ID, &item.ProjectID, &item.Name, &changeID,
		&item.CreatedBy, &item.CreatedAt, &item.ModifiedBy, &item.ModifiedAt)
	if err != nil {
		return Branch{}, err
	}
	item.ChangeID = changeID.String
	return item, nil
}

func (s *PostgresStore) ListBranchesByProject(ctx context.Context, projectID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, change_id, created_by, created_at, modified_by, modified_at
		FROM branches
		WHERE project_id=$1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		var item Branch
		var changeID sql.NullString
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &changeID,
			&item.CreatedBy, &item.CreatedAt, &item.ModifiedBy, &item.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		item.ChangeID = changeID.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

// UpdateBranchChange moves a branch head to an existing change, recording
// who moved it and when. This is the only branch mutation the core permits.
func (s *PostgresStore) UpdateBranchChange(ctx context.Context, branchID, changeID, movedBy string, movedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE branches
		SET change_id=$2, modified_by=$3, modified_at=$4
		WHERE id=$1
	`, branchID, changeID, movedBy, movedAt)
	if err != nil {
		return fmt.Errorf("update branch head: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UnpublishedEvents returns committed outbox rows the relay has not
// published yet, oldest first.
func (s *PostgresStore) UnpublishedEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, actor_id, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	items := make([]OutboxEvent, 0)
	for rows.Next() {
		var item OutboxEvent
		if err := rows.Scan(&item.ID, &item.EventID, &item.EventType, &item.ActorID, &item.Payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkEventsPublished(ctx context.Context, ids []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE outbox_events SET published_at=NOW() WHERE id=$1
			`, id); err != nil {
				return fmt.Errorf("mark event published: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertChange(ctx context.Context, tx *sql.Tx, c change.Change) error {
	var parent any
	if c.ParentID != "" {
		parent = c.ParentID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changes (id, parent_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, c.ID, parent, c.Name, c.CreatedAt); err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	for _, link := range c.Resources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_resources (id, change_id, resource_id, path, name, content_type)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, link.ID, c.ID, link.ResourceID, link.Path, link.Name, link.ContentType); err != nil {
			return fmt.Errorf("insert change resource: %w", err)
		}
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, events []change.Event) error {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (event_id, event_type, actor_id, payload)
			VALUES ($1, $2, $3, $4)
		`, event.ID, string(event.Type), event.ActorID, payload); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

func loadChange(ctx context.Context, q querier, changeID string) (change.Change, error) {
	var item change.Change
	var parent sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, parent_id, name, created_at
		FROM changes
		WHERE id=$1
	`, changeID).Scan(&item.ID, &parent, &item.Name, &item.CreatedAt)
	if err != nil {
		return change.Change{}, err
	}
	item.ParentID = parent.String

	rows, err := q.QueryContext(ctx, `
		SELECT id, resource_id, path, name, content_type
		FROM change_resources
		WHERE change_id=$1
		ORDER BY path ASC, name ASC
	`, changeID)
	if err != nil {
		return change.Change{}, fmt.Errorf("list change resources: %w", err)
	}
	defer rows.Close()

	item.Resources = make([]change.ResourceLink, 0)
	for rows.Next() {
		var link change.ResourceLink
		if err := rows.Scan(&link.ID, &link.ResourceID, &link.Path, &link.Name, &link.ContentType); err != nil {
			return change.Change{}, fmt.Errorf("scan change resource: %w", err)
		}
		item.Resources = append(item.Resources, link)
	}
	if err := rows.Err(); err != nil {
		return change.Change{}, fmt.Errorf("iterate change resources: %w", err)
	}
	return item, nil
}

func loadProposal(ctx context.Context, q querier, proposalID string) (change.ChangeProposal, error) {
	var item change.ChangeProposal
	var changeID string
	err := q.QueryRowContext(ctx, `
		SELECT id, project_id, name, read_me, status, change_id, created_by, created_at, modified_by, modified_at
		FROM change_proposals
		WHERE id=$1
	`, proposalID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.ReadMe, &item.Status,
		&changeID, &item.CreatedBy, &item.CreatedAt, &item.ModifiedBy, &item.ModifiedAt)
	if err != nil {
		return change.ChangeProposal{}, err
	}

	head, err := loadChange(ctx, q, changeID)
	if err != nil {
		return change.ChangeProposal{}, fmt.Errorf("load proposal head: %w", err)
	}
	item.Change = head

	rows, err := q.QueryContext(ctx, `
		SELECT id, author_id, message, status, created_at, modified_at
		FROM reviews
		WHERE proposal_id=$1
		ORDER BY created_at ASC, id ASC
	`, proposalID)
	if err != nil {
		return change.ChangeProposal{}, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	item.Reviews = make([]change.Review, 0)
	for rows.Next() {
		var review change.Review
		if err := rows.Scan(&review.ID, &review.AuthorID, &review.Message, &review.Status, &review.CreatedAt, &review.ModifiedAt); err != nil {
			return change.ChangeProposal{}, fmt.Errorf("scan review: %w", err)
		}
		item.Reviews = append(item.Reviews, review)
	}
	if err := rows.Err(); err != nil {
		return change.ChangeProposal{}, fmt.Errorf("iterate reviews: %w", err)
	}
	return item, nil
}
