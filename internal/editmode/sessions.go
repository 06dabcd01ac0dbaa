package editmode

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hemtjanst/api/internal/logging"
	"hemtjanst/api/internal/session"
)

// Leaser is the optional cross-process lease backend.
type Leaser interface {
	Acquire(ctx context.Context, scope, owner, ownerName string) (session.Lease, bool, error)
	Heartbeat(ctx context.Context, scope, owner string) error
	Release(ctx context.Context, scope, owner string) error
}

// Editor identifies who opens an edit session.
type Editor struct {
	UserID  string
	Name    string
	CanEdit bool
}

// Session is one editor's open edit mode: a controller plus the locks it holds.
type Session struct {
	ID         string
	Editor     Editor
	Controller *Controller
	Locks      *LockRegistry
	OpenedAt   time.Time

	leases Leaser
	log    logging.Logger
}

// LockResult reports an acquired lock and, when another editor holds the lease, who that is.
type LockResult struct {
	Scope  string         `json:"scope"`
	New    bool           `json:"new"`
	HeldBy *session.Lease `json:"heldBy,omitempty"`
}

// AcquireLock marks scope locked locally and tries the shared lease. The lock is granted either way;
// a foreign lease only produces a warning.
func (s *Session) AcquireLock(ctx context.Context, scope string) (LockResult, error) {
	parsed, err := ParseScope(scope)
	if err != nil {
		return LockResult{}, err
	}
	scope = parsed.String()
	result := LockResult{Scope: scope, New: s.Locks.Acquire(scope)}
	if s.leases == nil {
		return result, nil
	}

	lease, ok, err := s.leases.Acquire(ctx, scope, s.ID, s.Editor.Name)
	if err != nil {
		s.log.Warn("lease acquire failed", "scope", scope, "error", err)
		return result, nil
	}
	if !ok {
		result.HeldBy = &lease
	}
	return result, nil
}

// Heartbeat renews every lease this session holds and returns scopes whose lease is now someone else's.
func (s *Session) Heartbeat(ctx context.Context) []string {
	if s.leases == nil {
		return nil
	}
	lost := make([]string, 0)
	for _, scope := range s.Locks.Scopes() {
		err := s.leases.Heartbeat(ctx, scope, s.ID)
		if err == nil {
			continue
		}
		if errors.Is(err, session.ErrLeaseLost) {
			if _, ok, acquireErr := s.leases.Acquire(ctx, scope, s.ID, s.Editor.Name); acquireErr == nil && ok {
				continue
			}
			lost = append(lost, scope)
			continue
		}
		s.log.Warn("lease heartbeat failed", "scope", scope, "error", err)
	}
	return lost
}

func (s *Session) releaseLocks(ctx context.Context) {
	for _, scope := range s.Locks.ReleaseAll() {
		if s.leases == nil {
			continue
		}
		if err := s.leases.Release(ctx, scope, s.ID); err != nil {
			s.log.Warn("lease release failed", "scope", scope, "error", err)
		}
	}
}

// Sessions holds at most one edit session per user.
type Sessions struct {
	source Source
	writer DraftWriter
	leases Leaser
	log    logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	byUser map[string]*Session
}

type SessionsOption func(*Sessions)

func WithLeaser(leases Leaser) SessionsOption {
	return func(s *Sessions) {
		s.leases = leases
	}
}

func WithSessionsLogger(log logging.Logger) SessionsOption {
	return func(s *Sessions) {
		s.log = logging.OrNoOp(log)
	}
}

func WithSessionsClock(now func() time.Time) SessionsOption {
	return func(s *Sessions) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSessions(source Source, writer DraftWriter, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		source: source,
		writer: writer,
		log:    logging.NoOp(),
		now:    time.Now,
		byUser: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the user's session, creating it when absent.
func (s *Sessions) Open(editor Editor) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byUser[editor.UserID]; ok {
		return existing
	}
	sess := &Session{
		ID:         uuid.NewString(),
		Editor:     editor,
		Controller: NewController(editor.UserID, editor.CanEdit, s.source, s.writer),
		Locks:      NewLockRegistry(),
		OpenedAt:   s.now(),
		leases:     s.leases,
		log:        s.log,
	}
	s.byUser[editor.UserID] = sess
	s.log.Info("edit session opened", "user", editor.UserID, "session", sess.ID)
	return sess
}

func (s *Sessions) Get(userID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[userID]
	return sess, ok
}

// Close releases the session's locks and drops its staged changes. Closing a missing session is a no-op.
func (s *Sessions) Close(ctx context.Context, userID string) bool {
	s.mu.Lock()
	sess, ok := s.byUser[userID]
	delete(s.byUser, userID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.releaseLocks(ctx)
	sess.Controller.Reset()
	s.log.Info("edit session closed", "user", userID, "session", sess.ID)
	return true
}

// CloseAll tears down every session, used at shutdown.
func (s *Sessions) CloseAll(ctx context.Context) {
	s.mu.Lock()
	users := make([]string, 0, len(s.byUser))
	for userID := range s.byUser {
		users = append(users, userID)
	}
	s.mu.Unlock()
	sort.Strings(users)
	for _, userID := range users {
		s.Close(ctx, userID)
	}
}
