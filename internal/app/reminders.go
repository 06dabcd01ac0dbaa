package app

import (
	"context"
	"time"

	"hemtjanst/api/internal/email"
)

const reminderBatch = 50

// SendDueReminders mails every due reminder and marks it sent. A failed send stays due for the next run.
func (s *Service) SendDueReminders(ctx context.Context) (int, error) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return 0, nil
	}
	due, err := s.store.DueReminders(ctx, s.now().UTC(), reminderBatch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, reminder := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		err := s.mailer.SendQuoteReminder(reminder.CustomerEmail, email.ReminderData{
			QuoteTitle: reminder.QuoteTitle,
			RemindAt:   reminder.RemindAt,
		})
		if err != nil {
			s.log.Warn("quote reminder send failed", "reminder", reminder.ID, "quote", reminder.QuoteID, "error", err)
			continue
		}
		if err := s.store.MarkReminderSent(ctx, reminder.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// RunReminders calls SendDueReminders on every tick until ctx is done.
func (s *Service) RunReminders(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if sent, err := s.SendDueReminders(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("reminder run failed", "error", err)
		} else if sent > 0 {
			s.log.Info("quote reminders sent", "count", sent)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
