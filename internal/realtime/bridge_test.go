package realtime

import (
	"reflect"
	"sync"
	"testing"
)

func TestDispatchReachesEverySubscriberOfTable(t *testing.T) {
	b := NewBridge(nil)
	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) Handler {
		return func(Event) {
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}

	b.Subscribe("content_blocks", AllEvents, record("cache"))
	b.Subscribe("content_blocks", MaskUpdate, record("editor"))
	b.Subscribe("feature_flags", AllEvents, record("flags"))
	b.Subscribe(AnyTable, AllEvents, record("hub"))

	b.Dispatch(Event{Table: "content_blocks", Type: Update})

	want := map[string]int{"cache": 1, "editor": 1, "hub": 1}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
}

func TestMaskFiltersEventTypes(t *testing.T) {
	tests := []struct {
		mask EventMask
		typ  EventType
		want bool
	}{
		{MaskInsert, Insert, true},
		{MaskInsert, Delete, false},
		{MaskUpdate | MaskDelete, Delete, true},
		{AllEvents, Update, true},
		{MaskDelete, Resync, true},
		{0, Resync, false},
		{AllEvents, EventType("TRUNCATE"), false},
	}
	for _, tt := range tests {
		if got := tt.mask.Matches(tt.typ); got != tt.want {
			t.Fatalf("mask %b type %s: expected %v, got %v", tt.mask, tt.typ, tt.want, got)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBridge(nil)
	count := 0
	sub := b.Subscribe("jobs", AllEvents, func(Event) { count++ })
	b.Dispatch(Event{Table: "jobs", Type: Insert})
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Dispatch(Event{Table: "jobs", Type: Insert})
	if count != 1 {
		t.Fatalf("expected one delivery, got %d", count)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no subscriptions, got %d", b.Len())
	}
}

func TestScopeCloseTearsDownAll(t *testing.T) {
	b := NewBridge(nil)
	scope := b.Scope()
	scope.Subscribe("jobs", AllEvents, func(Event) {})
	scope.Subscribe("job_requests", AllEvents, func(Event) {})
	b.Subscribe("quotes", AllEvents, func(Event) {})

	scope.Close()
	if got := b.Tables(); !reflect.DeepEqual(got, []string{"quotes"}) {
		t.Fatalf("expected only quotes to remain, got %v", got)
	}
	if sub := scope.Subscribe("jobs", AllEvents, func(Event) {}); sub != nil {
		t.Fatal("expected closed scope to refuse subscriptions")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := NewBridge(nil)
	reached := false
	b.Subscribe("users", AllEvents, func(Event) { panic("boom") })
	b.Subscribe("users", AllEvents, func(Event) { reached = true })
	b.Dispatch(Event{Table: "users", Type: Delete})
	if !reached {
		t.Fatal("expected second handler to run")
	}
}
