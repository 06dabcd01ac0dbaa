package search

import (
	"sort"

	"hemtjanst/api/internal/content"
)

// Snapshotter lists cached blocks for a locale.
type Snapshotter interface {
	Snapshot(locale string) []content.Block
}

// Local searches the in-memory content snapshot using stemmed token overlap. Title hits weigh double.
type Local struct {
	source Snapshotter
}

func NewLocal(source Snapshotter) *Local {
	return &Local{source: source}
}

func (l *Local) Healthy() bool {
	return l != nil && l.source != nil
}

func (l *Local) Search(q Query) ([]Result, int, error) {
	terms := Tokens(q.Text, q.Locale)
	if len(terms) == 0 {
		return []Result{}, 0, nil
	}
	wanted := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		wanted[term] = struct{}{}
	}

	var results []Result
	for _, block := range l.source.Snapshot(q.Locale) {
		if len(block.Published) == 0 {
			continue
		}
		record := RecordFromBlock(block)
		score := overlap(Tokens(record.Title, q.Locale), wanted)*2 + overlap(Tokens(record.Body, q.Locale), wanted)
		if score == 0 {
			continue
		}
		results = append(results, Result{
			Key:     record.Key,
			Locale:  record.Locale,
			Title:   record.Title,
			Snippet: snippet(record.Body, 160),
			Score:   score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Key < results[j].Key
		}
		return results[i].Score > results[j].Score
	})

	total := len(results)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	end := q.Offset + limit
	if end > total {
		end = total
	}
	return results[q.Offset:end], total, nil
}

// overlap counts distinct query terms present in tokens.
func overlap(tokens []string, wanted map[string]struct{}) float64 {
	seen := make(map[string]struct{})
	for _, token := range tokens {
		if _, ok := wanted[token]; ok {
			seen[token] = struct{}{}
		}
	}
	return float64(len(seen))
}
