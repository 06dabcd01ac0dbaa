package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func migratedStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestDraftThenPublishHero(t *testing.T) {
	s, ctx := migratedStore(t)

	block, err := s.UpsertContentDraft(ctx, DraftUpdate{Key: "hero", Locale: "en", Patch: Fields{"title": "A"}, UpdatedBy: "u1"})
	if err != nil {
		t.Fatalf("upsert draft: %v", err)
	}
	if len(block.Published) != 0 {
		t.Fatalf("expected empty published, got %v", block.Published)
	}
	if block.Draft["title"] != "A" {
		t.Fatalf("expected draft title A, got %v", block.Draft)
	}

	published, err := s.PublishContentBlock(ctx, "hero", "en", "u1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reflect.DeepEqual(published.Published, Fields{"title": "A"}) {
		t.Fatalf("expected published title A, got %v", published.Published)
	}

	again, err := s.PublishContentBlock(ctx, "hero", "en", "u1")
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !reflect.DeepEqual(again.Published, published.Published) {
		t.Fatalf("publish is not idempotent: %v vs %v", again.Published, published.Published)
	}
}

func TestDraftMergeKeepsOtherFields(t *testing.T) {
	s, ctx := migratedStore(t)

	if _, err := s.UpsertContentDraft(ctx, DraftUpdate{Key: "about", Locale: "sv", Patch: Fields{"title": "Om oss", "body": "x"}}); err != nil {
		t.Fatalf("first draft: %v", err)
	}
	block, err := s.UpsertContentDraft(ctx, DraftUpdate{Key: "about", Locale: "sv", Patch: Fields{"body": "y"}})
	if err != nil {
		t.Fatalf("second draft: %v", err)
	}
	if block.Draft["title"] != "Om oss" || block.Draft["body"] != "y" {
		t.Fatalf("unexpected merged draft %v", block.Draft)
	}
	if block.Version != 2 {
		t.Fatalf("expected version 2, got %d", block.Version)
	}

	stale := 1
	_, err = s.UpsertContentDraft(ctx, DraftUpdate{Key: "about", Locale: "sv", Patch: Fields{"body": "z"}, BaseVersion: &stale})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestConcurrentCreatorsWithBaseVersionConflict(t *testing.T) {
	s, ctx := migratedStore(t)

	zero := 0
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, title := range []string{"Första", "Andra"} {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			_, err := s.UpsertContentDraft(ctx, DraftUpdate{Key: "faq", Locale: "sv", Patch: Fields{"title": title}, BaseVersion: &zero})
			errs <- err
		}(title)
	}
	wg.Wait()
	close(errs)

	succeeded, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d and %d", succeeded, conflicts)
	}
	block, err := s.GetContentBlock(ctx, "faq", "sv")
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if block.Version != 1 {
		t.Fatalf("expected version 1, got %d", block.Version)
	}
}

func TestStaleBaseVersionDoesNotCreateRow(t *testing.T) {
	s, ctx := migratedStore(t)

	stale := 3
	_, err := s.UpsertContentDraft(ctx, DraftUpdate{Key: "prices", Locale: "en", Patch: Fields{"title": "x"}, BaseVersion: &stale})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := s.GetContentBlock(ctx, "prices", "en"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no row after a rejected create, got %v", err)
	}
}

func TestPublishUnknownBlock(t *testing.T) {
	s, ctx := migratedStore(t)
	if _, err := s.PublishContentBlock(ctx, "missing", "en", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeclineSoftDeletedQuoteLeavesStatus(t *testing.T) {
	s, ctx := migratedStore(t)

	var quoteID string
	err := s.DB().QueryRowContext(ctx, `
		INSERT INTO quotes (token, customer_name, title, status, deleted_at)
		VALUES ('tok-deleted', 'Anna', 'Städning', 'sent', NOW())
		RETURNING id
	`).Scan(&quoteID)
	if err != nil {
		t.Fatalf("insert quote: %v", err)
	}

	err = s.DeclineQuote(ctx, QuoteRejection{QuoteID: quoteID, Reason: "price"})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	quote, err := s.GetQuoteByToken(ctx, "tok-deleted")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if quote.Status != "sent" || quote.DeclinedAt != nil {
		t.Fatalf("expected untouched quote, got %+v", quote)
	}
}

func TestScheduledFlagChangeLifecycle(t *testing.T) {
	s, ctx := migratedStore(t)

	if _, err := s.UpsertFlag(ctx, FeatureFlag{Key: "rut_calculator", Enabled: false}); err != nil {
		t.Fatalf("upsert flag: %v", err)
	}
	change, err := s.InsertScheduledFlagChange(ctx, ScheduledFlagChange{FlagKey: "rut_calculator", Enabled: true, ScheduledFor: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("insert change: %v", err)
	}
	due, err := s.DueScheduledFlagChanges(ctx, time.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due change, got %v (%v)", due, err)
	}
	if _, err := s.ExecuteScheduledFlagChange(ctx, change.ID, "scheduler"); err != nil {
		t.Fatalf("execute change: %v", err)
	}
	flag, err := s.GetFlag(ctx, "rut_calculator")
	if err != nil || !flag.Enabled {
		t.Fatalf("expected flag enabled, got %+v (%v)", flag, err)
	}
	if _, err := s.CancelScheduledFlagChange(ctx, change.ID); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict cancelling executed change, got %v", err)
	}
	if _, err := s.CancelScheduledFlagChange(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertJobRequestsAllOrNothing(t *testing.T) {
	s, ctx := migratedStore(t)

	if _, err := s.DB().ExecContext(ctx, `
		INSERT INTO workers (id, name) VALUES ('w1', 'Erik'), ('w2', 'Sara');
		INSERT INTO jobs (id, title) VALUES ('j1', 'Flyttstäd');
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	expires := time.Now().Add(48 * time.Hour)
	_, err := s.InsertJobRequests(ctx, []JobRequest{
		{ID: uuid.NewString(), JobID: "j1", WorkerID: "w1", Status: "pending", ExpiresAt: expires},
		{ID: uuid.NewString(), JobID: "j1", WorkerID: "missing", Status: "pending", ExpiresAt: expires},
	})
	if err == nil {
		t.Fatal("expected foreign key failure")
	}
	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM job_requests`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}
