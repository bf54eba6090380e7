package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"github.com/room4-2/voicetasks/tasks"
)

const DefaultModel = "gemini-2.5-flash"

// GeminiRanker asks a Gemini model for a JSON array of candidate indices
type GeminiRanker struct {
	model    string
	generate func(ctx context.Context, prompt string) (string, error)
}

// NewGeminiRanker creates a ranker backed by the Gemini API
func NewGeminiRanker(ctx context.Context, apiKey, model string) (*GeminiRanker, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: 100,
	}
	r := &GeminiRanker{model: model}
	r.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return r, nil
}

func (r *GeminiRanker) Rank(ctx context.Context, query string, candidates []tasks.Task) ([]tasks.Task, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	text, err := r.generate(ctx, BuildPrompt(query, candidates))
	if err != nil {
		return nil, fmt.Errorf("gemini %s: %w", r.model, err)
	}
	indices, err := ParseIndices(text, len(candidates))
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, 0, len(indices))
	for _, i := range indices {
		out = append(out, candidates[i])
	}
	return out, nil
}

// BuildPrompt renders the ranking request for an LLM
func BuildPrompt(query string, candidates []tasks.Task) string {
	var b strings.Builder
	b.WriteString("You are a task search assistant. Given a user's natural language query and a list of tasks, find the most relevant tasks.\n")
	b.WriteString("Return ONLY a JSON array of indices (from the provided list) that are relevant, in order of descending relevance.\n")
	b.WriteString("Example: [2, 0, 5]\n\n")
	fmt.Fprintf(&b, "USER QUERY: %q\n\nTASKS:\n", query)
	for i, t := range candidates {
		tags := strings.Join(t.Tags, ", ")
		if tags == "" {
			tags = "none"
		}
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "%d: [%s] %s (Tags: %s) - %s\n", i, t.Status, t.Title, tags, desc)
	}
	b.WriteString("\nJSON ARRAY OF INDICES:")
	return b.String()
}

// ParseIndices extracts the index array from a model reply that may wrap it
// in prose or markdown. Out-of-range and repeated indices are dropped.
func ParseIndices(text string, n int) ([]int, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in ranker reply %q", text)
	}
	var raw []int
	if err := sonic.UnmarshalString(text[start:end+1], &raw); err != nil {
		return nil, fmt.Errorf("invalid index array: %w", err)
	}
	seen := make(map[int]bool, len(raw))
	out := make([]int, 0, len(raw))
	for _, i := range raw {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out, nil
}
