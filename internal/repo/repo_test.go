package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"kravflyt/internal/db"
	"kravflyt/internal/domain"
	"kravflyt/internal/events"
	"kravflyt/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func insertCase(t *testing.T, r Repo, c domain.Case) {
	t.Helper()
	withTx(t, r.DB, func(tx *sql.Tx) {
		if err := r.InsertCaseTx(context.Background(), tx, c); err != nil {
			t.Fatalf("insert case: %v", err)
		}
	})
}

func withTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCaseRoundTripAndNotFound(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCase(t, r, domain.Case{ID: "k1", Type: domain.CaseTypeStandard, Title: "Ny trapp", CreatedAt: "2025-01-01T00:00:00Z"})
	insertCase(t, r, domain.Case{ID: "k2", Type: domain.CaseTypeForsering, CreatedAt: "2025-01-02T00:00:00Z"})

	got, err := r.GetCase(ctx, "k1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Title != "Ny trapp" || got.Type != domain.CaseTypeStandard {
		t.Fatalf("unexpected case %+v", got)
	}
	if _, err := r.GetCase(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := r.ListCases(ctx, CaseFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "k2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	page, err := r.ListCases(ctx, CaseFilters{Limit: 1, CursorCreatedAt: all[0].CreatedAt, CursorID: all[0].ID})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "k1" {
		t.Fatalf("unexpected page %+v", page)
	}
	typed, err := r.ListCases(ctx, CaseFilters{Type: domain.CaseTypeForsering})
	if err != nil {
		t.Fatalf("list typed: %v", err)
	}
	if len(typed) != 1 || typed[0].ID != "k2" {
		t.Fatalf("unexpected filtered list %+v", typed)
	}
}

func TestEventsAppendAssignsSequence(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCase(t, r, domain.Case{ID: "k1", Type: domain.CaseTypeStandard, CreatedAt: "2025-01-01T00:00:00Z"})

	ids := []string{"e1", "e2", "e3"}
	n := 0
	w := events.Writer{
		DB:    r.DB,
		Now:   func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string { n++; return ids[n-1] },
	}
	for _, typ := range []domain.EventType{
		domain.EventCaseCreated,
		domain.TrackEvent(domain.TrackGrunnlag, domain.ActionClaimSent),
		domain.TrackEvent(domain.TrackGrunnlag, domain.ActionResponseReceived),
	} {
		withTx(t, r.DB, func(tx *sql.Tx) {
			if _, err := w.Append(ctx, tx, domain.Event{CaseID: "k1", Type: typ, ActorID: "ola", Role: domain.RoleTE}); err != nil {
				t.Fatalf("append %s: %v", typ, err)
			}
		})
	}

	evts, err := r.ListEvents(ctx, "k1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	for i, e := range evts {
		if e.Seq != int64(i+1) || e.ID != ids[i] {
			t.Fatalf("event %d: seq=%d id=%s", i, e.Seq, e.ID)
		}
		if string(e.Payload) != "{}" {
			t.Fatalf("expected empty object payload, got %s", e.Payload)
		}
	}
	after, err := r.EventsAfter(ctx, "k1", 2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 1 || after[0].Seq != 3 {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	counts, err := r.CountEventsByType(ctx, "k1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.EventCaseCreated] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestEventsAppendRejectsUnknownCase(t *testing.T) {
	r := newTestRepo(t)
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	_, err = events.Writer{DB: r.DB}.Append(context.Background(), tx, domain.Event{CaseID: "ghost", Type: domain.EventCaseCreated, ActorID: "x", Role: domain.RoleBH})
	if err == nil {
		t.Fatalf("expected foreign key failure")
	}
}

func TestCaseLinks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCase(t, r, domain.Case{ID: "k1", Type: domain.CaseTypeStandard, CreatedAt: "2025-01-01T00:00:00Z"})
	insertCase(t, r, domain.Case{ID: "f1", Type: domain.CaseTypeForsering, CreatedAt: "2025-01-02T00:00:00Z"})
	withTx(t, r.DB, func(tx *sql.Tx) {
		if err := r.LinkCasesTx(ctx, tx, "f1", []string{"k1", "k1"}); err != nil {
			t.Fatalf("link: %v", err)
		}
	})
	deps, err := r.ListDependentCases(ctx, "k1")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 1 || deps[0] != "f1" {
		t.Fatalf("unexpected dependents %v", deps)
	}
	if err := r.DeleteCase(ctx, "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteCase(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
