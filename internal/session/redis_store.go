// Package session stores edit leases in Redis so editors on different processes can see who holds a page.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLeaseLost = errors.New("lease not held by owner")

// Lease is the current holder of a scope.
type Lease struct {
	Scope      string    `json:"scope"`
	Owner      string    `json:"owner"`
	OwnerName  string    `json:"ownerName"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then
	redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'name', ARGV[2], 'acquired_at', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 1
end
if owner == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LeaseStore grants expiring, owner-tagged leases per scope. A lease is a hint for other editors;
// it never blocks a write.
type LeaseStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewLeaseStore connects to redisURL and checks the connection.
func NewLeaseStore(redisURL string, ttl time.Duration) (*LeaseStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewLeaseStoreWithClient(client, ttl), nil
}

func NewLeaseStoreWithClient(client *redis.Client, ttl time.Duration) *LeaseStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LeaseStore{
		client: client,
		prefix: "edit-lease:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *LeaseStore) key(scope string) string {
	return s.prefix + scope
}

func (s *LeaseStore) TTL() time.Duration {
	return s.ttl
}

// Acquire takes the lease for owner or renews it if owner already holds it. When someone else holds it,
// acquired is false and the returned lease describes the holder.
func (s *LeaseStore) Acquire(ctx context.Context, scope, owner, ownerName string) (Lease, bool, error) {
	now := s.now().UTC()
	ok, err := acquireScript.Run(ctx, s.client, []string{s.key(scope)},
		owner, ownerName, strconv.FormatInt(now.UnixMilli(), 10), s.ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lease %s: %w", scope, err)
	}
	lease, found, err := s.Holder(ctx, scope)
	if err != nil {
		return Lease{}, false, err
	}
	if !found {
		// Expired between the script and the read; report what we asked for.
		lease = Lease{Scope: scope, Owner: owner, OwnerName: ownerName, AcquiredAt: now, ExpiresAt: now.Add(s.ttl)}
	}
	return lease, ok == 1, nil
}

// Heartbeat extends owner's lease by the full TTL.
func (s *LeaseStore) Heartbeat(ctx context.Context, scope, owner string) error {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(scope)}, owner, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", scope, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, scope)
	}
	return nil
}

// Release drops owner's lease. Releasing a lease held by someone else is a no-op.
func (s *LeaseStore) Release(ctx context.Context, scope, owner string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{s.key(scope)}, owner).Result(); err != nil {
		return fmt.Errorf("release lease %s: %w", scope, err)
	}
	return nil
}

// Holder reads the current lease for scope.
func (s *LeaseStore) Holder(ctx context.Context, scope string) (Lease, bool, error) {
	key := s.key(scope)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease %s: %w", scope, err)
	}
	if len(fields) == 0 || fields["owner"] == "" {
		return Lease{}, false, nil
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease ttl %s: %w", scope, err)
	}

	lease := Lease{Scope: scope, Owner: fields["owner"], OwnerName: fields["name"]}
	if ms, err := strconv.ParseInt(fields["acquired_at"], 10, 64); err == nil {
		lease.AcquiredAt = time.UnixMilli(ms).UTC()
	}
	if ttl > 0 {
		lease.ExpiresAt = s.now().UTC().Add(ttl)
	}
	return lease, true, nil
}

// Close closes the Redis connection
func (s *LeaseStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *LeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
