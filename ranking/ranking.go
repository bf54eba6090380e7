// Package ranking orders tasks by relevance to a spoken query
package ranking

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/tasks"
)

// Ranker returns the relevant subset of candidates, most relevant first
type Ranker interface {
	Rank(ctx context.Context, query string, candidates []tasks.Task) ([]tasks.Task, error)
}

// KeywordRanker keeps tasks whose title or description contains any word
// of the query, case-insensitively, in their original order
type KeywordRanker struct{}

func (KeywordRanker) Rank(_ context.Context, query string, candidates []tasks.Task) ([]tasks.Task, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}
	var out []tasks.Task
	for _, t := range candidates {
		title := strings.ToLower(t.Title)
		desc := strings.ToLower(t.Description)
		for _, k := range keywords {
			if strings.Contains(title, k) || strings.Contains(desc, k) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// Fallback uses Primary and falls back to Secondary when it fails
type Fallback struct {
	Primary   Ranker
	Secondary Ranker
	Log       pslog.Logger
}

func (f Fallback) Rank(ctx context.Context, query string, candidates []tasks.Task) ([]tasks.Task, error) {
	if f.Primary != nil {
		ranked, err := f.Primary.Rank(ctx, query, candidates)
		if err == nil {
			return ranked, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if f.Log != nil {
			f.Log.Warn("ranker failed, using keyword fallback", "err", err)
		}
	}
	secondary := f.Secondary
	if secondary == nil {
		secondary = KeywordRanker{}
	}
	return secondary.Rank(ctx, query, candidates)
}
