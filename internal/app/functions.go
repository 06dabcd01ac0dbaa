package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"hemtjanst/api/internal/email"
	"hemtjanst/api/internal/orgnr"
	"hemtjanst/api/internal/store"
)

const (
	StrategyManual = "manual"
	StrategyPool   = "pool"

	maxRemindDays = 365
)

type QuoteQuestionInput struct {
	Token         string `json:"token"`
	Question      string `json:"question"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

func (in QuoteQuestionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Token, validation.Required),
		validation.Field(&in.Question, validation.Required, validation.Length(1, 4000)),
		validation.Field(&in.CustomerName, validation.Required),
		validation.Field(&in.CustomerEmail, is.EmailFormat),
	)
}

type QuoteRejectInput struct {
	Token         string `json:"token"`
	Reason        string `json:"reason"`
	ReasonText    string `json:"reason_text"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

func (in QuoteRejectInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Token, validation.Required),
		validation.Field(&in.Reason, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.ReasonText, validation.Length(0, 4000)),
		validation.Field(&in.CustomerName, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.CustomerEmail, validation.Required, is.EmailFormat),
	)
}

type QuoteRemindInput struct {
	Token         string `json:"token"`
	CustomerEmail string `json:"customer_email"`
	Days          int    `json:"days"`
}

func (in QuoteRemindInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Token, validation.Required),
		validation.Field(&in.CustomerEmail, validation.Required, is.EmailFormat),
		validation.Field(&in.Days, validation.Required, validation.Min(1), validation.Max(maxRemindDays)),
	)
}

type DispatchInput struct {
	ProjectID string `json:"projectId"`
	Strategy  string `json:"strategy"`
	WorkerID  string `json:"workerId"`
}

func (in DispatchInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ProjectID, validation.Required),
		validation.Field(&in.Strategy, validation.Required, validation.In(StrategyManual, StrategyPool)),
		validation.Field(&in.WorkerID, validation.When(in.Strategy == StrategyManual, validation.Required)),
	)
}

type RequestWorkersInput struct {
	JobID     string   `json:"jobId"`
	WorkerIDs []string `json:"workerIds"`
	Message   string   `json:"message"`
}

// normalize trims ids so blank entries fail validation instead of reaching the store.
func (in RequestWorkersInput) normalize() RequestWorkersInput {
	in.JobID = strings.TrimSpace(in.JobID)
	ids := make([]string, len(in.WorkerIDs))
	for i, id := range in.WorkerIDs {
		ids[i] = strings.TrimSpace(id)
	}
	in.WorkerIDs = ids
	return in
}

func (in RequestWorkersInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.JobID, validation.Required),
		validation.Field(&in.WorkerIDs, validation.Required, validation.Each(validation.Required)),
		validation.Field(&in.Message, validation.Length(0, 2000)),
	)
}

func (in CustomerInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required),
		validation.Field(&in.Email, is.EmailFormat),
		validation.Field(&in.OrgNumber, orgnr.Rule),
	)
}

func normalizeOrgNumber(raw string) (string, error) {
	normalized, err := orgnr.Normalize(raw)
	if err != nil {
		return "", validation.Errors{"orgNumber": err}
	}
	return normalized, nil
}

// liveQuote loads a quote by token; a soft-deleted quote is store.ErrGone.
func (s *Service) liveQuote(ctx context.Context, token string) (store.Quote, error) {
	quote, err := s.store.GetQuoteByToken(ctx, token)
	if err != nil {
		return store.Quote{}, err
	}
	if quote.DeletedAt != nil {
		return store.Quote{}, fmt.Errorf("%w: quote %s", store.ErrGone, quote.ID)
	}
	return quote, nil
}

func (s *Service) AskQuoteQuestion(ctx context.Context, input QuoteQuestionInput) error {
	input.Token = strings.TrimSpace(input.Token)
	if err := input.Validate(); err != nil {
		return err
	}
	quote, err := s.liveQuote(ctx, input.Token)
	if err != nil {
		return err
	}
	if err := s.store.InsertQuoteQuestion(ctx, store.QuoteQuestion{
		QuoteID:       quote.ID,
		Question:      strings.TrimSpace(input.Question),
		CustomerName:  input.CustomerName,
		CustomerEmail: input.CustomerEmail,
	}); err != nil {
		return err
	}

	if s.mailer != nil && s.mailer.IsConfigured() {
		err := s.mailer.NotifyQuoteQuestion(email.QuestionData{
			QuoteTitle:    quote.Title,
			CustomerName:  input.CustomerName,
			CustomerEmail: input.CustomerEmail,
			Question:      input.Question,
		})
		if err != nil {
			s.log.Warn("quote question notification failed", "quote", quote.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) RejectQuote(ctx context.Context, input QuoteRejectInput) error {
	input.Token = strings.TrimSpace(input.Token)
	if err := input.Validate(); err != nil {
		return err
	}
	quote, err := s.liveQuote(ctx, input.Token)
	if err != nil {
		return err
	}
	if quote.Terminal() {
		return domainError(http.StatusConflict, "QUOTE_CLOSED", fmt.Sprintf("Quote is already %s", quote.Status), nil)
	}
	err = s.store.DeclineQuote(ctx, store.QuoteRejection{
		QuoteID:       quote.ID,
		Reason:        input.Reason,
		ReasonText:    input.ReasonText,
		CustomerName:  input.CustomerName,
		CustomerEmail: input.CustomerEmail,
	})
	if errors.Is(err, store.ErrStateConflict) {
		return wrapDomainError(http.StatusConflict, "QUOTE_CLOSED", "Quote can no longer be declined", err)
	}
	return err
}

// ScheduleQuoteReminder stores a reminder due days from now and returns when it fires.
func (s *Service) ScheduleQuoteReminder(ctx context.Context, input QuoteRemindInput) (time.Time, error) {
	input.Token = strings.TrimSpace(input.Token)
	if err := input.Validate(); err != nil {
		return time.Time{}, err
	}
	quote, err := s.liveQuote(ctx, input.Token)
	if err != nil {
		return time.Time{}, err
	}
	remindAt := s.now().UTC().AddDate(0, 0, input.Days)
	reminder, err := s.store.InsertQuoteReminder(ctx, store.QuoteReminder{
		QuoteID:       quote.ID,
		CustomerEmail: input.CustomerEmail,
		RemindAt:      remindAt,
	})
	if err != nil {
		return time.Time{}, err
	}
	return reminder.RemindAt, nil
}

func (s *Service) DispatchProject(ctx context.Context, input DispatchInput) error {
	if err := input.Validate(); err != nil {
		return err
	}
	workerID := input.WorkerID
	if input.Strategy == StrategyPool {
		workerID = ""
	}
	return s.store.DispatchProject(ctx, input.ProjectID, input.Strategy, workerID)
}

// RequestWorkers invites each distinct worker to the job; invitations expire after the configured TTL.
func (s *Service) RequestWorkers(ctx context.Context, input RequestWorkersInput) (int, error) {
	input = input.normalize()
	if err := input.Validate(); err != nil {
		return 0, err
	}
	job, err := s.store.GetJob(ctx, input.JobID)
	if err != nil {
		return 0, err
	}

	ttl := s.cfg.InvitationTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	now := s.now().UTC()
	seen := make(map[string]struct{}, len(input.WorkerIDs))
	requests := make([]store.JobRequest, 0, len(input.WorkerIDs))
	for _, workerID := range input.WorkerIDs {
		if _, dup := seen[workerID]; dup {
			continue
		}
		seen[workerID] = struct{}{}
		requests = append(requests, store.JobRequest{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			WorkerID:  workerID,
			Status:    "pending",
			Message:   input.Message,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		})
	}
	return s.store.InsertJobRequests(ctx, requests)
}
