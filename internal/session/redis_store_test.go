package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*LeaseStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewLeaseStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create lease store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewLeaseStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewLeaseStoreInvalidURL(t *testing.T) {
	if _, err := NewLeaseStore("not-a-url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAcquireIsExclusivePerOwner(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	lease, ok, err := store.Acquire(ctx, "page:/", "owner-a", "Anna")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if lease.Owner != "owner-a" || lease.OwnerName != "Anna" {
		t.Fatalf("unexpected lease %+v", lease)
	}

	if _, ok, err := store.Acquire(ctx, "page:/", "owner-a", "Anna"); err != nil || !ok {
		t.Fatalf("re-acquire by owner should succeed: ok=%v err=%v", ok, err)
	}

	holder, ok, err := store.Acquire(ctx, "page:/", "owner-b", "Bo")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second owner to be refused")
	}
	if holder.OwnerName != "Anna" {
		t.Fatalf("expected holder Anna, got %+v", holder)
	}
}

func TestLeaseExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, _ := store.Acquire(ctx, "content:hero:sv", "owner-a", "Anna"); !ok {
		t.Fatal("expected acquire")
	}
	s.FastForward(2 * time.Minute)

	if _, found, err := store.Holder(ctx, "content:hero:sv"); err != nil || found {
		t.Fatalf("expected lease to expire, found=%v err=%v", found, err)
	}
	if _, ok, _ := store.Acquire(ctx, "content:hero:sv", "owner-b", "Bo"); !ok {
		t.Fatal("expected new owner after expiry")
	}
}

func TestHeartbeatExtendsOnlyOwnLease(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, _ := store.Acquire(ctx, "page:/tjanster", "owner-a", "Anna"); !ok {
		t.Fatal("expected acquire")
	}
	s.FastForward(45 * time.Second)
	if err := store.Heartbeat(ctx, "page:/tjanster", "owner-a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	s.FastForward(45 * time.Second)
	if _, found, _ := store.Holder(ctx, "page:/tjanster"); !found {
		t.Fatal("expected heartbeat to keep the lease alive")
	}

	if err := store.Heartbeat(ctx, "page:/tjanster", "owner-b"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign heartbeat, got %v", err)
	}
}

func TestReleaseIgnoresForeignOwner(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, _ := store.Acquire(ctx, "page:/", "owner-a", "Anna"); !ok {
		t.Fatal("expected acquire")
	}
	if err := store.Release(ctx, "page:/", "owner-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, found, _ := store.Holder(ctx, "page:/"); !found {
		t.Fatal("foreign release must not drop the lease")
	}
	if err := store.Release(ctx, "page:/", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, found, _ := store.Holder(ctx, "page:/"); found {
		t.Fatal("expected lease to be gone")
	}
}
