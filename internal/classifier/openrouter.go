package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/config"
	apperr "github.com/opsmend/opsmend/internal/errors"
	"github.com/opsmend/opsmend/internal/metrics"
	"github.com/opsmend/opsmend/internal/signal"
)

const systemPrompt = `You are an expert SRE specializing in production incident triage and root cause analysis.

Analyze the provided service signals and decide whether they show one actionable problem. Classify it into exactly one category:
- resource-exhaustion: memory, disk, file descriptors, connection pools running out
- latency-degradation: slow responses, queue buildup, timeouts under load
- crash-loop: repeated process crashes, panics, restart storms
- configuration-drift: bad or stale configuration, missing settings
- dependency-failure: an upstream or downstream system is down or erroring
- unknown: a real problem that fits none of the above

Respond with a single JSON object:
{
  "problem_found": true,
  "category": "resource-exhaustion",
  "confidence": 0.85,
  "title": "short human-readable title",
  "evidence": "the log line or alert text that best supports the verdict",
  "root_cause": "one-paragraph root cause analysis",
  "recommended_actions": ["action1", "action2"]
}

confidence is your certainty in [0, 1]. If the signals show nothing actionable, respond {"problem_found": false}.`

// modelVerdict is the JSON shape the model is asked to produce.
type modelVerdict struct {
	ProblemFound       bool     `json:"problem_found"`
	Category           string   `json:"category"`
	Confidence         float64  `json:"confidence"`
	Title              string   `json:"title"`
	Evidence           string   `json:"evidence"`
	RootCause          string   `json:"root_cause"`
	RecommendedActions []string `json:"recommended_actions"`
}

// OpenRouter classifies signal batches through an OpenRouter-compatible
// chat completion endpoint.
type OpenRouter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOpenRouter builds the LLM classifier from configuration. The API key
// must be set; serve wires the rule-based classifier alone when it is not.
func NewOpenRouter(cfg config.AIConfig) (*OpenRouter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ai: api key not configured")
	}

	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &OpenRouter{
		client:      openai.NewClientWithConfig(cc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		logger:      slog.Default().With("component", "classifier"),
	}, nil
}

// Classify implements Classifier. Transport and parse failures are
// returned as transient classification errors so the caller can fall
// back to the rule-based path.
func (o *OpenRouter) Classify(ctx context.Context, service string, signals []signal.RawSignal) (*Classification, error) {
	if len(signals) == 0 {
		return nil, apperr.Validation("classify: empty signal batch")
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(service, signals)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	})
	metrics.ClassificationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, apperr.ClassificationUnavailable(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.ClassificationUnavailable(fmt.Errorf("model returned no choices"))
	}

	content := resp.Choices[0].Message.Content
	o.logger.Debug("model verdict received",
		"service", service, "model", o.model,
		"tokens_used", resp.Usage.TotalTokens, "response_length", len(content))

	verdict, err := parseVerdict(content)
	if err != nil {
		return nil, apperr.ClassificationUnavailable(fmt.Errorf("parse model verdict: %w", err))
	}
	if verdict == nil {
		return nil, nil
	}
	return verdict, nil
}

// buildUserPrompt renders the batch the way an operator would paste it.
func buildUserPrompt(service string, signals []signal.RawSignal) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s\nSignals (%d):\n", service, len(signals))
	for _, s := range signals {
		fmt.Fprintf(&sb, "[%s] %s %s: %s\n",
			s.Timestamp.UTC().Format(time.RFC3339), s.Source, s.Level, s.Message)
	}
	return sb.String()
}

// parseVerdict decodes the model output, tolerating code fences, and
// normalizes the result. Returns (nil, nil) for a clean no-problem verdict.
func parseVerdict(content string) (*Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var v modelVerdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, err
	}
	if !v.ProblemFound {
		return nil, nil
	}

	cat := bugs.Category(strings.ToLower(strings.TrimSpace(v.Category)))
	if !cat.Valid() {
		cat = bugs.CategoryUnknown
	}

	conf := v.Confidence
	if conf > 1 {
		// Some models answer in percent despite instructions.
		conf = conf / 100
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	title := strings.TrimSpace(v.Title)
	if title == "" {
		title = fmt.Sprintf("%s detected", cat)
	}

	return &Classification{
		Category:           cat,
		Confidence:         conf,
		Title:              title,
		Evidence:           strings.TrimSpace(v.Evidence),
		RootCause:          strings.TrimSpace(v.RootCause),
		RecommendedActions: v.RecommendedActions,
	}, nil
}
