package editmode

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"hemtjanst/api/internal/content"
)

type fakeSource map[string]content.Block

func (f fakeSource) Get(key, locale string) (content.Block, bool) {
	block, ok := f[key+"/"+locale]
	return block, ok
}

type fakeWriter struct {
	updateFn func(ctx context.Context, key, locale string, patch content.Fields, actor string, baseVersion *int) (content.Block, error)
	calls    int
}

func (f *fakeWriter) UpdateDraft(ctx context.Context, key, locale string, patch content.Fields, actor string, baseVersion *int) (content.Block, error) {
	f.calls++
	return f.updateFn(ctx, key, locale, patch, actor, baseVersion)
}

func heroSource() fakeSource {
	return fakeSource{
		"hero/en": {
			Key:       "hero",
			Locale:    "en",
			Draft:     content.Fields{"title": "Draft", "subtitle": "Draft sub"},
			Published: content.Fields{"title": "Live"},
			Version:   3,
		},
	}
}

func TestStageChangeMergesShallowLaterWins(t *testing.T) {
	c := NewController("u1", true, heroSource(), &fakeWriter{})
	scope := ContentScope("hero", "en")

	if err := c.StageChange(scope, content.Fields{"a": 1}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := c.StageChange(scope, content.Fields{"b": 2, "a": 3}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	staged, ok := c.Staged(scope)
	if !ok {
		t.Fatal("expected staged change")
	}
	if !reflect.DeepEqual(staged, content.Fields{"a": 3, "b": 2}) {
		t.Fatalf("unexpected staged %v", staged)
	}
	if len(c.StagedScopes()) != 1 {
		t.Fatalf("expected one staged scope, got %v", c.StagedScopes())
	}
}

func TestEffectiveContentDependsOnViewMode(t *testing.T) {
	c := NewController("u1", true, heroSource(), &fakeWriter{})
	scope := ContentScope("hero", "en")
	if err := c.StageChange(scope, content.Fields{"title": "Staged"}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	published, err := c.EffectiveContent(scope)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if !reflect.DeepEqual(published, content.Fields{"title": "Live"}) {
		t.Fatalf("published mode leaked draft or staged data: %v", published)
	}

	if !c.SetViewMode(Draft) {
		t.Fatal("expected editor to enter draft mode")
	}
	draft, err := c.EffectiveContent(scope)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	want := content.Fields{"title": "Staged", "subtitle": "Draft sub"}
	if !reflect.DeepEqual(draft, want) {
		t.Fatalf("expected %v, got %v", want, draft)
	}
}

func TestEffectiveContentForMissingBlock(t *testing.T) {
	c := NewController("u1", true, fakeSource{}, &fakeWriter{})
	scope := ContentScope("faq", "sv")
	got, err := c.EffectiveContent(scope)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty published content, got %v (%v)", got, err)
	}
	c.SetViewMode(Draft)
	_ = c.StageChange(scope, content.Fields{"q": "Vad kostar det?"})
	got, _ = c.EffectiveContent(scope)
	if got["q"] != "Vad kostar det?" {
		t.Fatalf("expected staged fields, got %v", got)
	}
}

func TestViewerCannotEnterDraftMode(t *testing.T) {
	c := NewController("u2", false, heroSource(), &fakeWriter{})
	if c.SetViewMode(Draft) {
		t.Fatal("expected draft mode to be refused")
	}
	if c.Mode() != Published {
		t.Fatalf("expected published mode, got %s", c.Mode())
	}
	if err := c.StageChange(ContentScope("hero", "en"), content.Fields{"x": 1}); !errors.Is(err, ErrNotEditor) {
		t.Fatalf("expected ErrNotEditor, got %v", err)
	}
}

func TestCommitClearsOnSuccess(t *testing.T) {
	writer := &fakeWriter{updateFn: func(_ context.Context, key, locale string, patch content.Fields, actor string, baseVersion *int) (content.Block, error) {
		if baseVersion == nil || *baseVersion != 3 {
			t.Fatalf("expected base version 3, got %v", baseVersion)
		}
		if actor != "u1" {
			t.Fatalf("expected actor u1, got %s", actor)
		}
		return content.Block{Key: key, Locale: locale, Draft: content.Merge(content.Fields{"subtitle": "Draft sub"}, patch), Version: 4}, nil
	}}
	c := NewController("u1", true, heroSource(), writer)
	c.SetViewMode(Draft)
	scope := ContentScope("hero", "en")
	_ = c.StageChange(scope, content.Fields{"title": "New"})

	if !c.HasUnsavedChanges() {
		t.Fatal("expected unsaved changes before commit")
	}
	if _, err := c.Commit(context.Background(), scope); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := c.Staged(scope); ok {
		t.Fatal("expected staged entry to be cleared")
	}
	if c.HasUnsavedChanges() {
		t.Fatal("expected no unsaved changes after commit")
	}

	effective, _ := c.EffectiveContent(scope)
	if effective["title"] != "New" {
		t.Fatalf("expected committed row to shadow stale cache, got %v", effective)
	}
}

func TestCommitKeepsStagedOnFailure(t *testing.T) {
	boom := errors.New("network down")
	writer := &fakeWriter{updateFn: func(context.Context, string, string, content.Fields, string, *int) (content.Block, error) {
		return content.Block{}, boom
	}}
	c := NewController("u1", true, heroSource(), writer)
	scope := ContentScope("hero", "en")
	_ = c.StageChange(scope, content.Fields{"title": "New"})

	if _, err := c.Commit(context.Background(), scope); !errors.Is(err, boom) {
		t.Fatalf("expected writer error unchanged, got %v", err)
	}
	staged, ok := c.Staged(scope)
	if !ok || staged["title"] != "New" {
		t.Fatalf("expected staged entry retained, got %v", staged)
	}
}

func TestRestageAfterConflictRebases(t *testing.T) {
	source := heroSource()
	stored := 3
	writer := &fakeWriter{updateFn: func(_ context.Context, key, locale string, patch content.Fields, _ string, baseVersion *int) (content.Block, error) {
		if baseVersion == nil || *baseVersion != stored {
			return content.Block{}, content.ErrVersionConflict
		}
		stored++
		return content.Block{Key: key, Locale: locale, Draft: patch.Clone(), Version: stored}, nil
	}}
	c := NewController("u1", true, source, writer)
	c.SetViewMode(Draft)
	scope := ContentScope("hero", "en")
	_ = c.StageChange(scope, content.Fields{"title": "Mine"})

	// Another editor commits and the cache catches up.
	stored = 4
	row := source["hero/en"]
	row.Version = 4
	source["hero/en"] = row

	if _, err := c.Commit(context.Background(), scope); !errors.Is(err, content.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if staged, ok := c.Staged(scope); !ok || staged["title"] != "Mine" {
		t.Fatalf("expected staged work kept after conflict, got %v", staged)
	}

	if err := c.StageChange(scope, content.Fields{"subtitle": "Also mine"}); err != nil {
		t.Fatalf("restage: %v", err)
	}
	block, err := c.Commit(context.Background(), scope)
	if err != nil {
		t.Fatalf("commit after restage: %v", err)
	}
	if block.Version != 5 || block.Draft["title"] != "Mine" || block.Draft["subtitle"] != "Also mine" {
		t.Fatalf("unexpected committed block %+v", block)
	}
}

func TestRestageAfterEmptyCacheRebases(t *testing.T) {
	source := fakeSource{}
	writer := &fakeWriter{updateFn: func(_ context.Context, key, locale string, patch content.Fields, _ string, baseVersion *int) (content.Block, error) {
		if baseVersion == nil || *baseVersion != 7 {
			return content.Block{}, content.ErrVersionConflict
		}
		return content.Block{Key: key, Locale: locale, Draft: patch.Clone(), Version: 8}, nil
	}}
	c := NewController("u1", true, source, writer)
	scope := ContentScope("hero", "sv")
	_ = c.StageChange(scope, content.Fields{"title": "Hej"})
	if _, err := c.Commit(context.Background(), scope); !errors.Is(err, content.ErrVersionConflict) {
		t.Fatalf("expected conflict against an empty cache, got %v", err)
	}

	source["hero/sv"] = content.Block{Key: "hero", Locale: "sv", Version: 7}
	_ = c.StageChange(scope, content.Fields{"title": "Hej igen"})
	if _, err := c.Commit(context.Background(), scope); err != nil {
		t.Fatalf("commit after refetch: %v", err)
	}
}

func TestCommitWithoutStagedChange(t *testing.T) {
	writer := &fakeWriter{}
	c := NewController("u1", true, heroSource(), writer)
	if _, err := c.Commit(context.Background(), ContentScope("hero", "en")); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
	_ = c.StageChange(PageScope("/om-oss"), content.Fields{"layout": "wide"})
	if _, err := c.Commit(context.Background(), PageScope("/om-oss")); !errors.Is(err, ErrNotCommittable) {
		t.Fatalf("expected ErrNotCommittable, got %v", err)
	}
	if writer.calls != 0 {
		t.Fatalf("expected no writes, got %d", writer.calls)
	}
}

func TestUnsavedChangesOnlyInDraftMode(t *testing.T) {
	c := NewController("u1", true, heroSource(), &fakeWriter{})
	_ = c.StageChange(ContentScope("hero", "en"), content.Fields{"title": "x"})
	if c.HasUnsavedChanges() {
		t.Fatal("published mode never reports unsaved changes")
	}
	c.SetViewMode(Draft)
	if !c.HasUnsavedChanges() {
		t.Fatal("expected unsaved changes in draft mode")
	}
	c.Discard(ContentScope("hero", "en"))
	if c.HasUnsavedChanges() {
		t.Fatal("expected discard to clear unsaved changes")
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		raw     string
		want    Scope
		wantErr bool
	}{
		{raw: "content:hero:EN", want: Scope{Kind: ScopeContent, Key: "hero", Locale: "en"}},
		{raw: "page:/tjanster/stad", want: Scope{Kind: ScopePage, Path: "/tjanster/stad"}},
		{raw: "content:hero", wantErr: true},
		{raw: "content::sv", wantErr: true},
		{raw: "page:tjanster", wantErr: true},
		{raw: "hero", wantErr: true},
		{raw: "block:hero:sv", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidScope) {
				t.Fatalf("%q: expected ErrInvalidScope, got %v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %+v, got %+v", tt.raw, tt.want, got)
		}
	}
}
