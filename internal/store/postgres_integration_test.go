package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"atelier/api/internal/change"
)

func setupTestStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Skipf("test database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	for _, table := range []string{"outbox_events", "reviews", "change_proposals", "branches", "change_resources", "changes", "organization_memberships", "projects", "organizations"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO organizations (id, name) VALUES ('org-1', 'Atelier')`); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO projects (id, organization_id, name) VALUES ('proj-1', 'org-1', 'Lobby')`); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO organization_memberships (organization_id, user_id, role) VALUES ('org-1', 'alice', 'member')`); err != nil {
		t.Fatalf("seed membership: %v", err)
	}

	return NewPostgresStore(db), db
}

func seedProposal(t *testing.T, st *PostgresStore) change.ChangeProposal {
	t.Helper()
	now := time.Now().UTC()
	root, err := change.NewRootChange("Lobby rework", []change.ResourceLink{
		{ResourceID: "res-1", Path: "textures", Name: "floor.png", ContentType: "image/png"},
	}, now)
	if err != nil {
		t.Fatalf("new root change: %v", err)
	}
	proposal, err := change.NewChangeProposal("proj-1", "Lobby rework", root, "alice", now)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	events := []change.Event{change.NewEvent(change.EventProposalCreated, "alice", proposal, now)}
	if err := st.CreateProposal(context.Background(), proposal, events); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return proposal
}

func TestChangeImmutabilityBlocksUpdate(t *testing.T) {
	st, db := setupTestStore(t)
	proposal := seedProposal(t, st)

	_, err := db.ExecContext(context.Background(),
		`UPDATE changes SET name = 'rewritten' WHERE id = $1`, proposal.Change.ID)
	if err == nil {
		t.Fatal("expected UPDATE on changes to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}

	_, err = db.ExecContext(context.Background(),
		`UPDATE change_resources SET path = 'moved' WHERE change_id = $1`, proposal.Change.ID)
	if err == nil {
		t.Fatal("expected UPDATE on change_resources to be blocked")
	}
}

func TestAdvanceProposalChangeCAS(t *testing.T) {
	st, _ := setupTestStore(t)
	proposal := seedProposal(t, st)
	ctx := context.Background()
	now := time.Now().UTC()

	derived, err := proposal.Change.WithAddedResources([]change.ResourceLink{
		{ResourceID: "res-2", Path: "textures", Name: "wall.png", ContentType: "image/png"},
	}, now)
	if err != nil {
		t.Fatalf("derive change: %v", err)
	}
	updated := proposal.WithChange(derived, "alice", now)
	events := []change.Event{change.NewEvent(change.EventResourcesAdded, "alice", updated, now)}

	if err := st.AdvanceProposalChange(ctx, updated, proposal.Change.ID, events); err != nil {
		t.Fatalf("advance with correct parent: %v", err)
	}

	// A second writer still holding the old head must be rejected.
	stale, err := proposal.Change.WithAddedResources([]change.ResourceLink{
		{ResourceID: "res-3", Path: "textures", Name: "roof.png", ContentType: "image/png"},
	}, now)
	if err != nil {
		t.Fatalf("derive stale change: %v", err)
	}
	staleProposal := proposal.WithChange(stale, "alice", now)
	err = st.AdvanceProposalChange(ctx, staleProposal, proposal.Change.ID, nil)
	if !errors.Is(err, ErrHeadMoved) {
		t.Fatalf("stale advance: got %v, want ErrHeadMoved", err)
	}

	reloaded, err := st.GetProposal(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("reload proposal: %v", err)
	}
	if reloaded.Change.ID != derived.ID {
		t.Fatalf("head = %s, want %s", reloaded.Change.ID, derived.ID)
	}
	if len(reloaded.Change.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(reloaded.Change.Resources))
	}
}

func TestDeleteProposalsPrunesChainAndReportsOrphans(t *testing.T) {
	st, db := setupTestStore(t)
	proposal := seedProposal(t, st)
	ctx := context.Background()
	now := time.Now().UTC()

	derived, err := proposal.Change.WithAddedResources([]change.ResourceLink{
		{ResourceID: "res-2", Path: "textures", Name: "wall.png", ContentType: "image/png"},
	}, now)
	if err != nil {
		t.Fatalf("derive change: %v", err)
	}
	updated := proposal.WithChange(derived, "alice", now)
	if err := st.AdvanceProposalChange(ctx, updated, proposal.Change.ID, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}

	events := []change.Event{change.NewEvent(change.EventProposalDeleted, "alice", updated, now)}
	orphaned, err := st.DeleteProposals(ctx, []string{proposal.ID}, events)
	if err != nil {
		t.Fatalf("delete proposals: %v", err)
	}

	want := map[string]bool{"res-1": false, "res-2": false}
	for _, id := range orphaned {
		if _, ok := want[id]; !ok {
			t.Fatalf("unexpected orphan %s", id)
		}
		want[id] = true
	}
	for id, seen := range want {
		if !seen {
			t.Fatalf("resource %s not reported as orphaned", id)
		}
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&remaining); err != nil {
		t.Fatalf("count changes: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("changes remaining = %d, want 0", remaining)
	}

	if _, err := st.GetProposal(ctx, proposal.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("deleted proposal lookup: got %v, want sql.ErrNoRows", err)
	}
}

func TestProjectForChangeResolvesAncestors(t *testing.T) {
	st, _ := setupTestStore(t)
	proposal := seedProposal(t, st)
	ctx := context.Background()
	now := time.Now().UTC()

	derived, err := proposal.Change.WithAddedResources([]change.ResourceLink{
		{ResourceID: "res-2", Path: "textures", Name: "wall.png", ContentType: "image/png"},
	}, now)
	if err != nil {
		t.Fatalf("derive change: %v", err)
	}
	updated := proposal.WithChange(derived, "alice", now)
	if err := st.AdvanceProposalChange(ctx, updated, proposal.Change.ID, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// both the head and the superseded ancestor resolve to the project
	for _, changeID := range []string{derived.ID, proposal.Change.ID} {
		projectID, err := st.ProjectForChange(ctx, changeID)
		if err != nil {
			t.Fatalf("project for change %s: %v", changeID, err)
		}
		if projectID != "proj-1" {
			t.Fatalf("project = %s, want proj-1", projectID)
		}
	}

	if _, err := st.ProjectForChange(ctx, "chg-missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("unknown change: got %v, want sql.ErrNoRows", err)
	}
}

func TestOutboxRoundTrip(t *testing.T) {
	st, _ := setupTestStore(t)
	proposal := seedProposal(t, st)
	ctx := context.Background()

	pending, err := st.UnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("unpublished events: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].EventType != string(change.EventProposalCreated) {
		t.Fatalf("event type = %s", pending[0].EventType)
	}
	var snapshot change.Event
	if err := json.Unmarshal(pending[0].Payload, &snapshot); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if snapshot.Proposal.ID != proposal.ID {
		t.Fatal("payload does not carry the proposal snapshot")
	}

	if err := st.MarkEventsPublished(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = st.UnpublishedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("unpublished events after mark: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after mark = %d, want 0", len(pending))
	}
}

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "atelier")
	pass := getenv("POSTGRES_PASSWORD", "atelier")
	dbname := getenv("POSTGRES_DB", "atelier_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
