package search

import (
	"context"
	"strings"

	"hemtjanst/api/internal/content"
	"hemtjanst/api/internal/logging"
)

const (
	EngineMeili = "meilisearch"
	EngineLocal = "local"
)

// Service is the facade that tries Meilisearch first and falls back to the local stemmed searcher.
type Service struct {
	meili         *Meili
	local         *Local
	defaultLocale string
	log           logging.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, local *Local, defaultLocale string, log logging.Logger) *Service {
	return &Service{meili: meili, local: local, defaultLocale: defaultLocale, log: logging.OrNoOp(log)}
}

// Search tries Meilisearch if healthy, otherwise falls back to the local searcher.
func (s *Service) Search(q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Locale == "" {
		q.Locale = s.defaultLocale
	}
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.log.Warn("meilisearch error, falling back to local search", "error", err)
	}

	if s.local == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.local.Search(q)
	if err != nil {
		s.log.Error("local search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineLocal}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineLocal}
}

// ContentPublished keeps the index in step with publishes. A block published empty is removed.
func (s *Service) ContentPublished(_ context.Context, block content.Block) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	if len(block.Published) == 0 {
		return s.meili.DeleteRecord(RecordID(block.Key, block.Locale))
	}
	return s.meili.IndexRecords([]Record{RecordFromBlock(block)})
}

// ReindexAll pushes every published block to Meilisearch.
func (s *Service) ReindexAll(blocks []content.Block) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]Record, 0, len(blocks))
	for _, block := range blocks {
		if len(block.Published) == 0 {
			continue
		}
		records = append(records, RecordFromBlock(block))
	}
	if err := s.meili.IndexRecords(records); err != nil {
		s.log.Warn("reindex content failed", "error", err)
		return
	}
	s.log.Info("content reindexed", "records", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
