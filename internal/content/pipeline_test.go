package content

import (
	"context"
	"errors"
	"reflect"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"hemtjanst/api/internal/store"
)

type fakeStore struct {
	getFn     func(ctx context.Context, key, locale string) (Block, error)
	upsertFn  func(ctx context.Context, update store.DraftUpdate) (Block, error)
	publishFn func(ctx context.Context, key, locale, actor string) (Block, error)
}

func (f *fakeStore) GetContentBlock(ctx context.Context, key, locale string) (Block, error) {
	if f.getFn == nil {
		return Block{}, ErrNotFound
	}
	return f.getFn(ctx, key, locale)
}

func (f *fakeStore) UpsertContentDraft(ctx context.Context, update store.DraftUpdate) (Block, error) {
	return f.upsertFn(ctx, update)
}

func (f *fakeStore) PublishContentBlock(ctx context.Context, key, locale, actor string) (Block, error) {
	return f.publishFn(ctx, key, locale, actor)
}

// memoryStore mimics the upsert and publish procedure semantics.
type memoryStore struct {
	rows map[blockID]Block
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[blockID]Block{}}
}

func (m *memoryStore) GetContentBlock(_ context.Context, key, locale string) (Block, error) {
	row, ok := m.rows[blockID{key, locale}]
	if !ok {
		return Block{}, store.ErrNotFound
	}
	return row, nil
}

func (m *memoryStore) UpsertContentDraft(_ context.Context, update store.DraftUpdate) (Block, error) {
	id := blockID{update.Key, update.Locale}
	row, ok := m.rows[id]
	if !ok {
		row = Block{Key: update.Key, Locale: update.Locale, Draft: Fields{}, Published: Fields{}}
	}
	if update.BaseVersion != nil && *update.BaseVersion != row.Version {
		return Block{}, store.ErrVersionConflict
	}
	row.Draft = Merge(row.Draft, update.Patch)
	row.Version++
	row.UpdatedBy = update.UpdatedBy
	m.rows[id] = row
	return row, nil
}

func (m *memoryStore) PublishContentBlock(_ context.Context, key, locale, actor string) (Block, error) {
	id := blockID{key, locale}
	row, ok := m.rows[id]
	if !ok {
		return Block{}, store.ErrNotFound
	}
	row.Published = row.Draft.Clone()
	row.PublishedBy = actor
	m.rows[id] = row
	return row, nil
}

func TestDraftThenPublishScenario(t *testing.T) {
	mem := newMemoryStore()
	pipeline := NewPipeline(mem)
	ctx := context.Background()

	block, err := pipeline.UpdateDraft(ctx, "hero", "en", Fields{"title": "A"}, "u1", nil)
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if len(block.Published) != 0 || block.Draft["title"] != "A" {
		t.Fatalf("unexpected row after draft: %+v", block)
	}

	first, err := pipeline.Publish(ctx, "hero", "en", "u1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := pipeline.Publish(ctx, "hero", "en", "u1")
	if err != nil {
		t.Fatalf("publish again: %v", err)
	}
	if !reflect.DeepEqual(first.Published, Fields{"title": "A"}) || !reflect.DeepEqual(first.Published, second.Published) {
		t.Fatalf("expected idempotent publish, got %v then %v", first.Published, second.Published)
	}
}

func TestDraftWriteLeavesPublishedUntilPublish(t *testing.T) {
	mem := newMemoryStore()
	mem.rows[blockID{"hero", "en"}] = Block{
		Key:       "hero",
		Locale:    "en",
		Draft:     Fields{"title": "Old", "cta": "Book"},
		Published: Fields{"title": "Old", "cta": "Book"},
		Version:   2,
	}
	pipeline := NewPipeline(mem)
	ctx := context.Background()

	block, err := pipeline.UpdateDraft(ctx, "hero", "en", Fields{"title": "New"}, "u1", nil)
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if block.Published["title"] != "Old" || block.Draft["title"] != "New" || block.Draft["cta"] != "Book" {
		t.Fatalf("unexpected row after draft write: %+v", block)
	}
	if stored, _ := mem.GetContentBlock(ctx, "hero", "en"); stored.Published["title"] != "Old" {
		t.Fatalf("expected stored published title Old, got %v", stored.Published)
	}

	published, err := pipeline.Publish(ctx, "hero", "en", "u1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reflect.DeepEqual(published.Published, Fields{"title": "New", "cta": "Book"}) {
		t.Fatalf("expected published title New, got %v", published.Published)
	}
}

func TestUpdateDraftRejectsUnsupportedLocale(t *testing.T) {
	pipeline := NewPipeline(newMemoryStore(), WithLocales("sv", "en"))
	_, err := pipeline.UpdateDraft(context.Background(), "hero", "de", Fields{"title": "x"}, "u1", nil)
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if _, ok := verrs["locale"]; !ok {
		t.Fatalf("expected locale error, got %v", verrs)
	}
}

func TestUpdateDraftPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	pipeline := NewPipeline(&fakeStore{
		upsertFn: func(context.Context, store.DraftUpdate) (Block, error) {
			return Block{}, boom
		},
	})
	_, err := pipeline.UpdateDraft(context.Background(), "hero", "sv", Fields{"title": "x"}, "u1", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestUpdateDraftVersionConflict(t *testing.T) {
	pipeline := NewPipeline(newMemoryStore())
	ctx := context.Background()
	if _, err := pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"title": "x"}, "u1", nil); err != nil {
		t.Fatalf("first draft: %v", err)
	}
	stale := 0
	_, err := pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"title": "y"}, "u2", &stale)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestPublishUnknownBlockIsNotFound(t *testing.T) {
	pipeline := NewPipeline(newMemoryStore())
	if _, err := pipeline.Publish(context.Background(), "missing", "sv", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishNotifiesObserversAndIgnoresTheirErrors(t *testing.T) {
	mem := newMemoryStore()
	var seen []string
	pipeline := NewPipeline(mem, WithObservers(
		PublishObserverFunc(func(_ context.Context, block Block) error {
			seen = append(seen, block.Key+"/"+block.Locale)
			return errors.New("archive offline")
		}),
		PublishObserverFunc(func(_ context.Context, block Block) error {
			seen = append(seen, "second")
			return nil
		}),
	))
	ctx := context.Background()
	if _, err := pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"title": "Hej"}, "u1", nil); err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := pipeline.Publish(ctx, "hero", "sv", "u1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reflect.DeepEqual(seen, []string{"hero/sv", "second"}) {
		t.Fatalf("unexpected observer calls %v", seen)
	}
}

func TestSchemaGatesDraftAndPublish(t *testing.T) {
	schemas := NewSchemaRegistry()
	err := schemas.Register("hero", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string", "maxLength": 80},
			"subtitle": map[string]any{"type": "string"},
		},
		"required": []any{"title", "subtitle"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	pipeline := NewPipeline(newMemoryStore(), WithSchemas(schemas))
	ctx := context.Background()

	_, err = pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"title": 12}, "u1", nil)
	var payloadErr *PayloadValidationError
	if !errors.As(err, &payloadErr) || len(payloadErr.Issues) == 0 {
		t.Fatalf("expected payload validation error, got %v", err)
	}

	if _, err := pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"title": "Hej"}, "u1", nil); err != nil {
		t.Fatalf("partial draft should pass: %v", err)
	}
	if _, err := pipeline.Publish(ctx, "hero", "sv", "u1"); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected publish to require subtitle, got %v", err)
	}
	if _, err := pipeline.UpdateDraft(ctx, "hero", "sv", Fields{"subtitle": "Vi städar"}, "u1", nil); err != nil {
		t.Fatalf("second draft: %v", err)
	}
	if _, err := pipeline.Publish(ctx, "hero", "sv", "u1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMergeIsShallow(t *testing.T) {
	base := Fields{"title": "A", "cta": map[string]any{"label": "Boka", "href": "/boka"}}
	merged := Merge(base, Fields{"cta": map[string]any{"label": "Book"}})
	cta := merged["cta"].(map[string]any)
	if _, ok := cta["href"]; ok {
		t.Fatal("expected nested object to be replaced, not merged")
	}
	if merged["title"] != "A" {
		t.Fatal("expected untouched field to survive")
	}
	if base["cta"].(map[string]any)["href"] != "/boka" {
		t.Fatal("expected base to be left unmodified")
	}
}
