// Package embed provides the embedding and fact-extraction capabilities the
// memory core consumes, backed by any OpenAI-compatible provider.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrygo/mnemod/internal/profile"
)

// Service is the vector embedding service interface.
type Service interface {
	// Embed generates a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension.
	Dimensions() int

	// Model returns the embedding model identifier.
	Model() string
}

// Config configures the embedding service.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	ModelName  string
	Dimensions int

	// RequestsPerSecond caps upstream calls; zero means no limit.
	RequestsPerSecond float64

	// CacheSize bounds the embedding memoization cache; zero disables it.
	CacheSize int
}

// ConfigFromProfile builds the embedding config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		Provider:          p.AIEmbeddingProvider,
		APIKey:            p.AIEmbeddingAPIKey,
		BaseURL:           p.AIEmbeddingBaseURL,
		ModelName:         p.AIEmbeddingModel,
		Dimensions:        p.AIEmbeddingDimensions,
		RequestsPerSecond: 10,
		CacheSize:         2048,
	}
}

type service struct {
	client     *openai.Client
	limiter    *rate.Limiter
	memo       *lru.Cache[string, []float32]
	model      string
	dimensions int
}

// NewService creates an embedding service. Identical texts are memoized so
// repeated scoring and propagation runs do not re-spend on the provider.
func NewService(cfg Config) (Service, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding api key required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("embedding model required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	s := &service{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.ModelName,
		dimensions: cfg.Dimensions,
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.CacheSize > 0 {
		memo, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to init embedding cache")
		}
		s.memo = memo
	}
	return s, nil
}

func (s *service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := memoKey(text)
	if s.memo != nil {
		if vec, ok := s.memo.Get(key); ok {
			return vec, nil
		}
	}

	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("empty embedding result")
	}
	if s.memo != nil {
		s.memo.Add(key, vectors[0])
	}
	return vectors[0], nil
}

func (s *service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	}
	resp, err := s.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (s *service) Dimensions() int {
	return s.dimensions
}

func (s *service) Model() string {
	return s.model
}

func memoKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
