package search

import (
	"fmt"
	"sort"
	"strings"

	"hemtjanst/api/internal/content"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Key     string  `json:"key"`
	Locale  string  `json:"locale"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Locale string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the indexed form of a published content block.
type Record struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Locale string `json:"locale"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// RecordID is the index primary key; Meilisearch ids allow only [A-Za-z0-9_-].
func RecordID(key, locale string) string {
	var b strings.Builder
	for _, r := range key + "__" + locale {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

var titleFields = []string{"title", "heading", "headline", "name"}

// RecordFromBlock flattens the published fields of a block into title and body text.
func RecordFromBlock(block content.Block) Record {
	record := Record{ID: RecordID(block.Key, block.Locale), Key: block.Key, Locale: block.Locale}
	for _, field := range titleFields {
		if title, ok := block.Published[field].(string); ok && strings.TrimSpace(title) != "" {
			record.Title = strings.TrimSpace(title)
			break
		}
	}
	if record.Title == "" {
		record.Title = block.Key
	}

	keys := make([]string, 0, len(block.Published))
	for k := range block.Published {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		collectText(block.Published[k], &parts)
	}
	record.Body = strings.Join(parts, " ")
	return record
}

func collectText(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			*parts = append(*parts, trimmed)
		}
	case []any:
		for _, item := range v {
			collectText(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectText(v[k], parts)
		}
	case float64, bool:
		*parts = append(*parts, fmt.Sprint(v))
	}
}

func snippet(body string, max int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, " "); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
