package embed

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/mnemod/internal/profile"
)

// FactExtractor turns interaction text into zero or more standalone facts.
// It is only invoked for interactions triaged FULL_EXTRACTION.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, text string) ([]string, error)
}

// CostSink receives actual LLM spend, feeding the triage budget counter.
type CostSink interface {
	ReportSpend(provider, operation string, usd float64)
}

// NopCostSink discards spend reports.
type NopCostSink struct{}

func (NopCostSink) ReportSpend(string, string, float64) {}

// ExtractorConfig configures the LLM-backed fact extractor.
type ExtractorConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration

	// CostPerKiloTokens is the blended price estimate used for spend
	// reporting when the provider does not return cost directly.
	CostPerKiloTokens float64
}

// ExtractorConfigFromProfile builds the extractor config from the profile.
func ExtractorConfigFromProfile(p *profile.Profile) ExtractorConfig {
	return ExtractorConfig{
		Provider:          p.ALLMProvider,
		APIKey:            p.ALLMAPIKey,
		BaseURL:           p.ALLMBaseURL,
		Model:             p.ALLMModel,
		Timeout:           time.Duration(p.ALLMTimeout) * time.Second,
		CostPerKiloTokens: 0.002,
	}
}

const extractionPrompt = `Extract standalone factual statements from the conversation below.
Rules:
- One fact per line, no numbering, no commentary.
- Each fact must be understandable without the conversation.
- Skip opinions, greetings and filler.
- Output nothing if there are no durable facts.`

type llmExtractor struct {
	client   *openai.Client
	sink     CostSink
	cfg      ExtractorConfig
	provider string
}

// NewFactExtractor creates an LLM-backed fact extractor. Spend is reported
// to the sink after every call.
func NewFactExtractor(cfg ExtractorConfig, sink CostSink) (FactExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key required")
	}
	if sink == nil {
		sink = NopCostSink{}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &llmExtractor{
		client:   openai.NewClientWithConfig(clientConfig),
		sink:     sink,
		cfg:      cfg,
		provider: cfg.Provider,
	}, nil
}

func (e *llmExtractor) ExtractFacts(ctx context.Context, text string) ([]string, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fact extraction failed")
	}

	totalTokens := resp.Usage.TotalTokens
	if totalTokens > 0 && e.cfg.CostPerKiloTokens > 0 {
		e.sink.ReportSpend(e.provider, "fact_extraction", float64(totalTokens)/1000*e.cfg.CostPerKiloTokens)
	}

	if len(resp.Choices) == 0 {
		return nil, nil
	}
	facts := []string{}
	for _, line := range strings.Split(resp.Choices[0].Message.Content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts, nil
}
