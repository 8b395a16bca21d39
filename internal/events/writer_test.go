package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/db"
	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/migrate"
	"github.com/Boomerang-Apps/storyline/internal/repo"
)

func testWriter(t *testing.T) (Writer, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedRun(t, conn, "r1")
	seedRun(t, conn, "r2")
	w := Writer{DB: conn, Now: func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }}
	return w, repo.Repo{DB: conn}
}

func seedRun(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO runs(id,name,task,current_gate,status,tokens_used,token_limit,cost_used_usd,cost_limit_usd,created_at,updated_at,completed_at)
		VALUES (?,?,?,0,'pending',0,0,0,0,'2025-06-01T11:00:00Z','2025-06-01T11:00:00Z',NULL)`, id, "n", "t")
	if err != nil {
		t.Fatalf("seed run %s: %v", id, err)
	}
}

func record(t *testing.T, w Writer, evtType, runID, domainName string, payload EventPayload) {
	t.Helper()
	ctx := context.Background()
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, runID, domainName, payload); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSeqIncrementsPerRun(t *testing.T) {
	w, r := testWriter(t)
	ctx := context.Background()

	record(t, w, domain.EventRunStarted, "r1", "", nil)
	record(t, w, domain.EventGateAdvanced, "r1", "", EventPayload{"gate": 0})
	record(t, w, domain.EventRunStarted, "r2", "", nil)
	record(t, w, domain.EventDomainStarted, "r1", "backend", nil)

	evts, err := r.ListEvents(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("events = %d", len(evts))
	}
	// Newest first; seq counts per run regardless of interleaving.
	if evts[0].Seq != 3 || evts[1].Seq != 2 || evts[2].Seq != 1 {
		t.Fatalf("seqs = %d,%d,%d", evts[0].Seq, evts[1].Seq, evts[2].Seq)
	}

	other, err := r.ListEvents(ctx, "r2", 10)
	if err != nil {
		t.Fatalf("list r2: %v", err)
	}
	if len(other) != 1 || other[0].Seq != 1 {
		t.Fatalf("r2 events = %+v", other)
	}
}

func TestAppendFields(t *testing.T) {
	w, r := testWriter(t)
	record(t, w, domain.EventDomainComplete, "r1", "backend", EventPayload{"retries": 2})

	evts, err := r.ListEvents(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	e := evts[0]
	if e.Type != domain.EventDomainComplete || e.Domain != "backend" {
		t.Fatalf("event = %+v", e)
	}
	if e.TS != "2025-06-01T12:00:00Z" {
		t.Fatalf("ts = %s", e.TS)
	}
	if e.Payload != `{"retries":2}` {
		t.Fatalf("payload = %s", e.Payload)
	}
}

func TestNilPayloadStoresEmptyObject(t *testing.T) {
	w, r := testWriter(t)
	record(t, w, domain.EventRunCancelled, "r1", "", nil)
	evts, _ := r.ListEvents(context.Background(), "r1", 10)
	if evts[0].Payload != "{}" {
		t.Fatalf("payload = %s", evts[0].Payload)
	}
}

func TestEventsAfterPagesForward(t *testing.T) {
	w, r := testWriter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		record(t, w, domain.EventDomainProgress, "r1", "backend", EventPayload{"retry": i})
	}

	first, err := r.EventsAfter(ctx, 2, 0)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(first) != 2 || first[0].Seq != 1 {
		t.Fatalf("page 1 = %+v", first)
	}
	rest, err := r.EventsAfter(ctx, 10, first[len(first)-1].ID)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(rest) != 3 || rest[0].Seq != 3 {
		t.Fatalf("page 2 = %+v", rest)
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != rest[len(rest)-1].ID {
		t.Fatalf("latest = %d", latest)
	}
}
