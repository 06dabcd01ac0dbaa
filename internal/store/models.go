package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrGone            = errors.New("gone")
	ErrVersionConflict = errors.New("version conflict")
	ErrStateConflict   = errors.New("state conflict")
)

// Fields is an untyped content payload: field name to JSON value.
type Fields map[string]any

// Clone returns a shallow copy; nil stays nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Customer struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	OrgNumber string
	CreatedAt time.Time
}

// ContentBlock is one row per (key, locale). Published only changes through Publish.
type ContentBlock struct {
	Key         string     `json:"key"`
	Locale      string     `json:"locale"`
	Draft       Fields     `json:"draft"`
	Published   Fields     `json:"published"`
	Version     int        `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	UpdatedBy   string     `json:"updatedBy"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	PublishedBy string     `json:"publishedBy,omitempty"`
}

// DraftUpdate is a shallow patch to a block's draft. A nil BaseVersion skips the version check.
type DraftUpdate struct {
	Key         string
	Locale      string
	Patch       Fields
	UpdatedBy   string
	BaseVersion *int
}

type Quote struct {
	ID            string
	Token         string
	CustomerName  string
	CustomerEmail string
	Title         string
	TotalCents    int64
	Status        string
	DeclinedAt    *time.Time
	DeletedAt     *time.Time
	CreatedAt     time.Time
}

const (
	QuoteStatusDeclined = "declined"
	QuoteStatusAccepted = "accepted"
)

// Terminal reports whether the quote can no longer be answered.
func (q Quote) Terminal() bool {
	return q.Status == QuoteStatusDeclined || q.Status == QuoteStatusAccepted
}

type QuoteQuestion struct {
	ID            int64
	QuoteID       string
	Question      string
	CustomerName  string
	CustomerEmail string
	CreatedAt     time.Time
}

type QuoteRejection struct {
	ID            int64
	QuoteID       string
	Reason        string
	ReasonText    string
	CustomerName  string
	CustomerEmail string
	CreatedAt     time.Time
}

type QuoteReminder struct {
	ID            int64
	QuoteID       string
	QuoteTitle    string
	CustomerEmail string
	RemindAt      time.Time
	SentAt        *time.Time
}

type Project struct {
	ID               string
	Title            string
	Status           string
	DispatchStrategy string
	WorkerID         string
	DispatchedAt     *time.Time
}

type Job struct {
	ID        string
	ProjectID string
	Title     string
	Status    string
}

type JobRequest struct {
	ID        string
	JobID     string
	WorkerID  string
	Status    string
	Message   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type FeatureFlag struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy"`
}

type FlagOverride struct {
	FlagKey string `json:"flagKey"`
	Scope   string `json:"scope"`
	Enabled bool   `json:"enabled"`
}

// ScheduledFlagChange is pending until exactly one of Executed or Cancelled is set; both are terminal.
type ScheduledFlagChange struct {
	ID           int64      `json:"id"`
	FlagKey      string     `json:"flagKey"`
	Enabled      bool       `json:"enabled"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	Executed     bool       `json:"executed"`
	Cancelled    bool       `json:"cancelled"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CreatedBy    string     `json:"createdBy"`
}

// Pending reports whether the change has reached neither terminal state.
func (c ScheduledFlagChange) Pending() bool {
	return !c.Executed && !c.Cancelled
}
