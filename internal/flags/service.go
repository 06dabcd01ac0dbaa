// Package flags evaluates feature flags with per-scope overrides and runs scheduled flips.
package flags

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"hemtjanst/api/internal/logging"
	"hemtjanst/api/internal/store"
)

type Store interface {
	ListFlags(ctx context.Context) ([]store.FeatureFlag, error)
	GetFlag(ctx context.Context, key string) (store.FeatureFlag, error)
	UpsertFlag(ctx context.Context, flag store.FeatureFlag) (store.FeatureFlag, error)
	ListFlagOverrides(ctx context.Context, key string) ([]store.FlagOverride, error)
	UpsertFlagOverride(ctx context.Context, override store.FlagOverride) error
	DeleteFlagOverride(ctx context.Context, key, scope string) error
	InsertScheduledFlagChange(ctx context.Context, change store.ScheduledFlagChange) (store.ScheduledFlagChange, error)
	ListScheduledFlagChanges(ctx context.Context, key string) ([]store.ScheduledFlagChange, error)
	DueScheduledFlagChanges(ctx context.Context, now time.Time) ([]store.ScheduledFlagChange, error)
	ExecuteScheduledFlagChange(ctx context.Context, id int64, actor string) (store.ScheduledFlagChange, error)
	CancelScheduledFlagChange(ctx context.Context, id int64) (store.ScheduledFlagChange, error)
}

const (
	SourceGlobal   = "global"
	SourceOverride = "override"

	schedulerActor = "scheduler"
)

type Evaluation struct {
	Key     string `json:"key"`
	Scope   string `json:"scope,omitempty"`
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
}

// Detail is a flag with its overrides and pending schedule.
type Detail struct {
	store.FeatureFlag
	Overrides []store.FlagOverride        `json:"overrides"`
	Scheduled []store.ScheduledFlagChange `json:"scheduled"`
}

type Service struct {
	store Store
	log   logging.Logger
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(s *Service) {
		s.log = logging.OrNoOp(log)
	}
}

func NewService(s Store, opts ...Option) *Service {
	svc := &Service{store: s, log: logging.NoOp(), now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) List(ctx context.Context) ([]store.FeatureFlag, error) {
	return s.store.ListFlags(ctx)
}

func (s *Service) Get(ctx context.Context, key string) (Detail, error) {
	flag, err := s.store.GetFlag(ctx, key)
	if err != nil {
		return Detail{}, err
	}
	overrides, err := s.store.ListFlagOverrides(ctx, key)
	if err != nil {
		return Detail{}, err
	}
	scheduled, err := s.store.ListScheduledFlagChanges(ctx, key)
	if err != nil {
		return Detail{}, err
	}
	return Detail{FeatureFlag: flag, Overrides: overrides, Scheduled: scheduled}, nil
}

// Evaluate resolves a flag for scope. A matching override wins over the global value.
func (s *Service) Evaluate(ctx context.Context, key, scope string) (Evaluation, error) {
	flag, err := s.store.GetFlag(ctx, key)
	if err != nil {
		return Evaluation{}, err
	}
	result := Evaluation{Key: key, Scope: scope, Enabled: flag.Enabled, Source: SourceGlobal}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return result, nil
	}
	overrides, err := s.store.ListFlagOverrides(ctx, key)
	if err != nil {
		return Evaluation{}, err
	}
	for _, override := range overrides {
		if override.Scope == scope {
			result.Enabled = override.Enabled
			result.Source = SourceOverride
			break
		}
	}
	return result, nil
}

func (s *Service) SetEnabled(ctx context.Context, key string, enabled bool, description, actor string) (store.FeatureFlag, error) {
	if err := validateKey(key); err != nil {
		return store.FeatureFlag{}, err
	}
	flag, err := s.store.UpsertFlag(ctx, store.FeatureFlag{
		Key:         key,
		Description: strings.TrimSpace(description),
		Enabled:     enabled,
		UpdatedBy:   actor,
	})
	if err != nil {
		return store.FeatureFlag{}, err
	}
	s.log.Info("flag updated", "key", key, "enabled", enabled, "actor", actor)
	return flag, nil
}

func (s *Service) SetOverride(ctx context.Context, key, scope string, enabled bool) error {
	scope = strings.TrimSpace(scope)
	if err := validation.Validate(scope, validation.Required, validation.Length(1, 200)); err != nil {
		return validation.Errors{"scope": err}
	}
	if _, err := s.store.GetFlag(ctx, key); err != nil {
		return err
	}
	return s.store.UpsertFlagOverride(ctx, store.FlagOverride{FlagKey: key, Scope: scope, Enabled: enabled})
}

func (s *Service) ClearOverride(ctx context.Context, key, scope string) error {
	return s.store.DeleteFlagOverride(ctx, key, strings.TrimSpace(scope))
}

// Schedule queues a flip. A time already in the past runs on the next RunDue.
func (s *Service) Schedule(ctx context.Context, key string, enabled bool, at time.Time, actor string) (store.ScheduledFlagChange, error) {
	if at.IsZero() {
		return store.ScheduledFlagChange{}, validation.Errors{"scheduledFor": validation.ErrRequired}
	}
	if _, err := s.store.GetFlag(ctx, key); err != nil {
		return store.ScheduledFlagChange{}, err
	}
	change, err := s.store.InsertScheduledFlagChange(ctx, store.ScheduledFlagChange{
		FlagKey:      key,
		Enabled:      enabled,
		ScheduledFor: at.UTC(),
		CreatedBy:    actor,
	})
	if err != nil {
		return store.ScheduledFlagChange{}, err
	}
	s.log.Info("flag change scheduled", "key", key, "enabled", enabled, "at", at.UTC().Format(time.RFC3339), "id", change.ID)
	return change, nil
}

// Cancel moves a pending change to cancelled. A change already executed or cancelled yields store.ErrStateConflict.
func (s *Service) Cancel(ctx context.Context, id int64) (store.ScheduledFlagChange, error) {
	return s.store.CancelScheduledFlagChange(ctx, id)
}

// RunDue executes every pending change due at the current time, oldest first. A change that turned terminal
// in the meantime is skipped.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	due, err := s.store.DueScheduledFlagChanges(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("load due flag changes: %w", err)
	}
	executed := 0
	for _, change := range due {
		if !change.Pending() {
			continue
		}
		if _, err := s.store.ExecuteScheduledFlagChange(ctx, change.ID, schedulerActor); err != nil {
			if isStateConflict(err) {
				continue
			}
			return executed, fmt.Errorf("execute flag change %d: %w", change.ID, err)
		}
		executed++
		s.log.Info("scheduled flag change executed", "id", change.ID, "key", change.FlagKey, "enabled", change.Enabled)
	}
	return executed, nil
}

func validateKey(key string) error {
	return validation.Errors{
		"key": validation.Validate(key, validation.Required, validation.Length(1, 100)),
	}.Filter()
}
