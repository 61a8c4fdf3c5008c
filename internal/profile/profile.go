package profile

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Embedding configuration (OpenAI-compatible protocol)
	AIEmbeddingProvider   string // Provider identifier: openai, siliconflow, ollama, zai
	AIEmbeddingModel      string
	AIEmbeddingAPIKey     string
	AIEmbeddingBaseURL    string
	AIEmbeddingDimensions int

	// Extraction LLM configuration (used for FULL_EXTRACTION only)
	ALLMProvider string
	ALLMAPIKey   string
	ALLMBaseURL  string
	ALLMModel    string
	ALLMTimeout  int // seconds

	// Relevance scoring
	ScoreWeightSemantic   float64
	ScoreWeightRecency    float64
	ScoreWeightOutcome    float64
	ScoreWeightFrequency  float64
	ScoreWeightCorrection float64
	ScoreDecayRate        float64 // per-day exponential decay rate
	ScorePIIPenalty       float64 // flat penalty for sensitive content

	// Tier lifecycle
	TierMidFloor         float64 // composite below this demotes LONG -> MID
	TierShortFloor       float64 // composite below this demotes MID -> SHORT
	DecayIdleDays        int     // items idle longer than this decay
	DecayLossPerDay      float64 // fraction of recency lost per idle day
	CleanupMaxAgeDays    int     // SHORT items older than this are cleanup candidates
	CleanupScoreCutoff   float64 // ...when composite is also below this
	SweepBatchSize       int
	SweepTimeoutSeconds  int
	RetentionFilter      string // optional CEL expression over item fields
	ContentEncryptionKey string // optional 32-byte hex key for at-rest sealing

	// Quality cache
	CacheDemotionThreshold int // negative feedbacks before an entry is banned
	CacheTTLDefinition     time.Duration
	CacheTTLTemporal       time.Duration
	CacheTTLDefault        time.Duration
	CacheQualityBoost      float64 // quality bump on positive feedback
	CacheLookupTimeout     time.Duration

	// Consolidation triage
	TriageMinLength      int     // interactions shorter than this are transient
	TriageValueCutoff    float64 // weighted signal sum needed for full extraction
	TriageHourlyBudget   float64 // USD per hour for full-extraction work
	TriageExtractionCost float64 // estimated USD per full extraction

	// Propagated forgetting
	ForgetRawBound       float64 // similarity bound for the raw store
	ForgetKnowledgeBound float64 // similarity bound for the knowledge store

	// Server
	Mode        string
	Addr        string
	Port        int
	Data        string
	Driver      string
	DSN         string
	InstanceURL string
	Version     string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an embedding API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.AIEmbeddingAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultDuration returns environment variable value as duration or default value.
func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv fills the profile from environment variables. Values already set on
// the profile (e.g. from flags) take precedence over defaults but are
// overridden by explicit environment variables, matching 12-factor precedence.
func (p *Profile) FromEnv() {
	p.AIEmbeddingProvider = getEnvOrDefault("MNEMOD_EMBEDDING_PROVIDER", "openai")
	p.AIEmbeddingModel = getEnvOrDefault("MNEMOD_EMBEDDING_MODEL", "text-embedding-3-small")
	p.AIEmbeddingAPIKey = getEnvOrDefault("MNEMOD_EMBEDDING_API_KEY", p.AIEmbeddingAPIKey)
	p.AIEmbeddingBaseURL = getEnvOrDefault("MNEMOD_EMBEDDING_BASE_URL", p.AIEmbeddingBaseURL)
	p.AIEmbeddingDimensions = getEnvOrDefaultInt("MNEMOD_EMBEDDING_DIMENSIONS", 1536)

	p.ALLMProvider = getEnvOrDefault("MNEMOD_LLM_PROVIDER", "openai")
	p.ALLMAPIKey = getEnvOrDefault("MNEMOD_LLM_API_KEY", p.ALLMAPIKey)
	p.ALLMBaseURL = getEnvOrDefault("MNEMOD_LLM_BASE_URL", p.ALLMBaseURL)
	p.ALLMModel = getEnvOrDefault("MNEMOD_LLM_MODEL", "gpt-4o-mini")
	p.ALLMTimeout = getEnvOrDefaultInt("MNEMOD_LLM_TIMEOUT", 120)

	p.ScoreWeightSemantic = getEnvOrDefaultFloat("MNEMOD_SCORE_WEIGHT_SEMANTIC", 0.35)
	p.ScoreWeightRecency = getEnvOrDefaultFloat("MNEMOD_SCORE_WEIGHT_RECENCY", 0.20)
	p.ScoreWeightOutcome = getEnvOrDefaultFloat("MNEMOD_SCORE_WEIGHT_OUTCOME", 0.25)
	p.ScoreWeightFrequency = getEnvOrDefaultFloat("MNEMOD_SCORE_WEIGHT_FREQUENCY", 0.10)
	p.ScoreWeightCorrection = getEnvOrDefaultFloat("MNEMOD_SCORE_WEIGHT_CORRECTION", 0.10)
	p.ScoreDecayRate = getEnvOrDefaultFloat("MNEMOD_SCORE_DECAY_RATE", 0.02)
	p.ScorePIIPenalty = getEnvOrDefaultFloat("MNEMOD_SCORE_PII_PENALTY", 0.2)

	p.TierMidFloor = getEnvOrDefaultFloat("MNEMOD_TIER_MID_FLOOR", 0.6)
	p.TierShortFloor = getEnvOrDefaultFloat("MNEMOD_TIER_SHORT_FLOOR", 0.3)
	p.DecayIdleDays = getEnvOrDefaultInt("MNEMOD_DECAY_IDLE_DAYS", 7)
	p.DecayLossPerDay = getEnvOrDefaultFloat("MNEMOD_DECAY_LOSS_PER_DAY", 0.05)
	p.CleanupMaxAgeDays = getEnvOrDefaultInt("MNEMOD_CLEANUP_MAX_AGE_DAYS", 30)
	p.CleanupScoreCutoff = getEnvOrDefaultFloat("MNEMOD_CLEANUP_SCORE_CUTOFF", 0.2)
	p.SweepBatchSize = getEnvOrDefaultInt("MNEMOD_SWEEP_BATCH_SIZE", 200)
	p.SweepTimeoutSeconds = getEnvOrDefaultInt("MNEMOD_SWEEP_TIMEOUT_SECONDS", 300)
	p.RetentionFilter = getEnvOrDefault("MNEMOD_RETENTION_FILTER", p.RetentionFilter)
	p.ContentEncryptionKey = getEnvOrDefault("MNEMOD_CONTENT_KEY", p.ContentEncryptionKey)

	p.CacheDemotionThreshold = getEnvOrDefaultInt("MNEMOD_CACHE_DEMOTION_THRESHOLD", 3)
	p.CacheTTLDefinition = getEnvOrDefaultDuration("MNEMOD_CACHE_TTL_DEFINITION", 30*24*time.Hour)
	p.CacheTTLTemporal = getEnvOrDefaultDuration("MNEMOD_CACHE_TTL_TEMPORAL", time.Hour)
	p.CacheTTLDefault = getEnvOrDefaultDuration("MNEMOD_CACHE_TTL_DEFAULT", 7*24*time.Hour)
	p.CacheQualityBoost = getEnvOrDefaultFloat("MNEMOD_CACHE_QUALITY_BOOST", 0.1)
	p.CacheLookupTimeout = getEnvOrDefaultDuration("MNEMOD_CACHE_LOOKUP_TIMEOUT", 200*time.Millisecond)

	p.TriageMinLength = getEnvOrDefaultInt("MNEMOD_TRIAGE_MIN_LENGTH", 10)
	p.TriageValueCutoff = getEnvOrDefaultFloat("MNEMOD_TRIAGE_VALUE_CUTOFF", 0.5)
	p.TriageHourlyBudget = getEnvOrDefaultFloat("MNEMOD_TRIAGE_HOURLY_BUDGET", 1.0)
	p.TriageExtractionCost = getEnvOrDefaultFloat("MNEMOD_TRIAGE_EXTRACTION_COST", 0.01)

	p.ForgetRawBound = getEnvOrDefaultFloat("MNEMOD_FORGET_RAW_BOUND", 0.85)
	p.ForgetKnowledgeBound = getEnvOrDefaultFloat("MNEMOD_FORGET_KNOWLEDGE_BOUND", 0.75)
}

// Validate validates the profile. Malformed score weights are a startup
// error, never silently coerced.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		return errors.New("expect mode to be dev, demo or prod")
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q, expect sqlite or postgres", p.Driver)
	}
	if p.Data == "" && p.Driver == "sqlite" {
		p.Data = "."
	}
	if p.DSN == "" && p.Driver == "sqlite" {
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("mnemod_%s.db", p.Mode))
	}
	if p.DSN == "" {
		return errors.New("dsn required")
	}

	weightSum := p.ScoreWeightSemantic + p.ScoreWeightRecency + p.ScoreWeightOutcome +
		p.ScoreWeightFrequency + p.ScoreWeightCorrection
	if math.Abs(weightSum-1.0) > 1e-9 {
		return errors.Errorf("score weights must sum to 1.0, got %.6f", weightSum)
	}
	if p.ScoreDecayRate < 0 {
		return errors.New("score decay rate must be non-negative")
	}
	if p.ScorePIIPenalty < 0 {
		return errors.New("pii penalty must be non-negative")
	}
	if p.TierShortFloor >= p.TierMidFloor {
		return errors.Errorf("short tier floor %.2f must be below mid tier floor %.2f",
			p.TierShortFloor, p.TierMidFloor)
	}
	if p.CacheDemotionThreshold <= 0 {
		return errors.New("cache demotion threshold must be positive")
	}
	if p.TriageExtractionCost <= 0 {
		return errors.New("triage extraction cost must be positive")
	}
	for name, bound := range map[string]float64{
		"forget raw bound":       p.ForgetRawBound,
		"forget knowledge bound": p.ForgetKnowledgeBound,
	} {
		if bound <= 0 || bound > 1 {
			return errors.Errorf("%s must be in (0, 1], got %.2f", name, bound)
		}
	}
	if p.ContentEncryptionKey != "" && len(p.ContentEncryptionKey) != 64 {
		return errors.New("content encryption key must be a 32-byte hex string")
	}
	return nil
}
