package flags

import (
	"context"
	"errors"
	"time"

	"hemtjanst/api/internal/store"
)

// Worker runs RunDue on a fixed interval until its context ends.
type Worker struct {
	service  *Service
	interval time.Duration
}

func NewWorker(service *Service, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{service: service, interval: interval}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.service.RunDue(ctx); err != nil && ctx.Err() == nil {
		w.service.log.Error("flag scheduler tick failed", "error", err)
	}
}

func isStateConflict(err error) bool {
	return errors.Is(err, store.ErrStateConflict)
}
