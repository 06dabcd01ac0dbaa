package flags

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"hemtjanst/api/internal/store"
)

type memoryStore struct {
	flags     map[string]store.FeatureFlag
	overrides map[string]map[string]bool
	changes   map[int64]store.ScheduledFlagChange
	nextID    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		flags:     map[string]store.FeatureFlag{},
		overrides: map[string]map[string]bool{},
		changes:   map[int64]store.ScheduledFlagChange{},
	}
}

func (m *memoryStore) ListFlags(context.Context) ([]store.FeatureFlag, error) {
	out := make([]store.FeatureFlag, 0, len(m.flags))
	for _, flag := range m.flags {
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) GetFlag(_ context.Context, key string) (store.FeatureFlag, error) {
	flag, ok := m.flags[key]
	if !ok {
		return store.FeatureFlag{}, store.ErrNotFound
	}
	return flag, nil
}

func (m *memoryStore) UpsertFlag(_ context.Context, flag store.FeatureFlag) (store.FeatureFlag, error) {
	m.flags[flag.Key] = flag
	return flag, nil
}

func (m *memoryStore) ListFlagOverrides(_ context.Context, key string) ([]store.FlagOverride, error) {
	out := []store.FlagOverride{}
	for scope, enabled := range m.overrides[key] {
		out = append(out, store.FlagOverride{FlagKey: key, Scope: scope, Enabled: enabled})
	}
	return out, nil
}

func (m *memoryStore) UpsertFlagOverride(_ context.Context, o store.FlagOverride) error {
	if m.overrides[o.FlagKey] == nil {
		m.overrides[o.FlagKey] = map[string]bool{}
	}
	m.overrides[o.FlagKey][o.Scope] = o.Enabled
	return nil
}

func (m *memoryStore) DeleteFlagOverride(_ context.Context, key, scope string) error {
	delete(m.overrides[key], scope)
	return nil
}

func (m *memoryStore) InsertScheduledFlagChange(_ context.Context, c store.ScheduledFlagChange) (store.ScheduledFlagChange, error) {
	m.nextID++
	c.ID = m.nextID
	m.changes[c.ID] = c
	return c, nil
}

func (m *memoryStore) ListScheduledFlagChanges(_ context.Context, key string) ([]store.ScheduledFlagChange, error) {
	out := []store.ScheduledFlagChange{}
	for _, c := range m.changes {
		if c.FlagKey == key {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryStore) DueScheduledFlagChanges(_ context.Context, now time.Time) ([]store.ScheduledFlagChange, error) {
	out := []store.ScheduledFlagChange{}
	for _, c := range m.changes {
		if c.Pending() && !c.ScheduledFor.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *memoryStore) ExecuteScheduledFlagChange(_ context.Context, id int64, actor string) (store.ScheduledFlagChange, error) {
	c, ok := m.changes[id]
	if !ok {
		return store.ScheduledFlagChange{}, store.ErrNotFound
	}
	if !c.Pending() {
		return store.ScheduledFlagChange{}, store.ErrStateConflict
	}
	c.Executed = true
	m.changes[id] = c
	flag := m.flags[c.FlagKey]
	flag.Enabled = c.Enabled
	flag.UpdatedBy = actor
	m.flags[c.FlagKey] = flag
	return c, nil
}

func (m *memoryStore) CancelScheduledFlagChange(_ context.Context, id int64) (store.ScheduledFlagChange, error) {
	c, ok := m.changes[id]
	if !ok {
		return store.ScheduledFlagChange{}, store.ErrNotFound
	}
	if !c.Pending() {
		return store.ScheduledFlagChange{}, store.ErrStateConflict
	}
	c.Cancelled = true
	m.changes[id] = c
	return c, nil
}

func TestEvaluateOverrideWins(t *testing.T) {
	svc := NewService(newMemoryStore())
	ctx := context.Background()

	if _, err := svc.SetEnabled(ctx, "price_mode_toggle", false, "Visa priser inkl. RUT", "admin"); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if err := svc.SetOverride(ctx, "price_mode_toggle", "user:u1", true); err != nil {
		t.Fatalf("set override: %v", err)
	}

	global, err := svc.Evaluate(ctx, "price_mode_toggle", "user:u2")
	if err != nil || global.Enabled || global.Source != SourceGlobal {
		t.Fatalf("expected global false, got %+v (%v)", global, err)
	}
	overridden, err := svc.Evaluate(ctx, "price_mode_toggle", "user:u1")
	if err != nil || !overridden.Enabled || overridden.Source != SourceOverride {
		t.Fatalf("expected override true, got %+v (%v)", overridden, err)
	}

	if err := svc.ClearOverride(ctx, "price_mode_toggle", "user:u1"); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	cleared, _ := svc.Evaluate(ctx, "price_mode_toggle", "user:u1")
	if cleared.Enabled {
		t.Fatal("expected global value after clearing override")
	}
}

func TestOverrideOnUnknownFlag(t *testing.T) {
	svc := NewService(newMemoryStore())
	if err := svc.SetOverride(context.Background(), "missing", "user:u1", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunDueExecutesOnlyDuePendingChanges(t *testing.T) {
	mem := newMemoryStore()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := NewService(mem, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _ = svc.SetEnabled(ctx, "spring_campaign", false, "", "admin")
	due, _ := svc.Schedule(ctx, "spring_campaign", true, now.Add(-time.Minute), "admin")
	later, _ := svc.Schedule(ctx, "spring_campaign", false, now.Add(time.Hour), "admin")
	cancelled, _ := svc.Schedule(ctx, "spring_campaign", false, now.Add(-2*time.Minute), "admin")
	if _, err := svc.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	executed, err := svc.RunDue(ctx)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected one executed change, got %d", executed)
	}
	if !mem.changes[due.ID].Executed || mem.changes[later.ID].Executed {
		t.Fatalf("unexpected change states %+v", mem.changes)
	}
	if flag := mem.flags["spring_campaign"]; !flag.Enabled || flag.UpdatedBy != schedulerActor {
		t.Fatalf("expected flag enabled by scheduler, got %+v", flag)
	}

	again, err := svc.RunDue(ctx)
	if err != nil || again != 0 {
		t.Fatalf("expected nothing left to run, got %d (%v)", again, err)
	}
}

func TestTerminalChangesCannotTransition(t *testing.T) {
	mem := newMemoryStore()
	svc := NewService(mem)
	ctx := context.Background()
	_, _ = svc.SetEnabled(ctx, "beta", false, "", "admin")
	change, _ := svc.Schedule(ctx, "beta", true, time.Now().Add(-time.Second), "admin")
	if _, err := svc.RunDue(ctx); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if _, err := svc.Cancel(ctx, change.ID); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected conflict cancelling executed change, got %v", err)
	}
	got := mem.changes[change.ID]
	if got.Executed && got.Cancelled {
		t.Fatal("change must never be both executed and cancelled")
	}
}

func TestScheduleRequiresTime(t *testing.T) {
	svc := NewService(newMemoryStore())
	if _, err := svc.Schedule(context.Background(), "beta", true, time.Time{}, "admin"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWorkerTickExecutesDueChanges(t *testing.T) {
	mem := newMemoryStore()
	svc := NewService(mem)
	ctx := context.Background()
	_, _ = svc.SetEnabled(ctx, "beta", false, "", "admin")
	_, _ = svc.Schedule(ctx, "beta", true, time.Now().Add(-time.Second), "admin")

	NewWorker(svc, time.Hour).tick(ctx)
	if !mem.flags["beta"].Enabled {
		t.Fatal("expected worker tick to apply the due change")
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	svc := NewService(newMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWorker(svc, time.Hour).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
