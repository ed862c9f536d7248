// Package embedder provides embedding generation services for text-to-vector conversion.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/veridata/fact-extract/pkg/logger"
)

// Embedder defines the interface for embedding generation.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// ModelName returns the model name.
	ModelName() string
}

// Config holds configuration for the embedder.
type Config struct {
	APIKey         string
	Model          string
	MaxBatchSize   int           // Max texts per batch (default: 100)
	MaxRetries     int           // Max retry attempts
	RetryDelay     time.Duration // Initial retry delay
	RateLimitRPS   int           // Requests per second
	EnableCache    bool          // Enable embedding caching
	CacheSize      int           // Max cache entries
	RequestTimeout time.Duration // Timeout per request
}

// DefaultConfig returns default embedder configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		Model:          "text-embedding-3-small",
		MaxBatchSize:   100,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RateLimitRPS:   50,
		EnableCache:    true,
		CacheSize:      10000,
		RequestTimeout: 60 * time.Second,
	}
}

// OpenAIEmbedder implements embedding generation using the OpenAI API.
type OpenAIEmbedder struct {
	client      *openai.Client
	config      Config
	rateLimiter *rate.Limiter
	cache       *embeddingCache
	log         *logger.Logger
}

// embeddingCache provides a simple bounded cache for embeddings. When full
// it evicts the oldest inserted entry; lookups do not change that order.
type embeddingCache struct {
	entries map[string][]float32
	order   []string
	maxSize int
	mu      sync.RWMutex
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(cfg Config, log *logger.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	if log == nil {
		log = logger.Default()
	}

	var cache *embeddingCache
	if cfg.EnableCache {
		cache = &embeddingCache{
			entries: make(map[string][]float32),
			order:   make([]string, 0, cfg.CacheSize),
			maxSize: cfg.CacheSize,
		}
	}

	return &OpenAIEmbedder{
		client:      openai.NewClient(cfg.APIKey),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS),
		cache:       cache,
		log:         log.WithComponent("embedder"),
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	textsToEmbed := make([]string, 0, len(texts))
	textIndices := make([]int, 0, len(texts))

	for i, text := range texts {
		if emb := e.cache.get(text); emb != nil {
			results[i] = emb
		} else {
			textsToEmbed = append(textsToEmbed, text)
			textIndices = append(textIndices, i)
		}
	}

	if len(textsToEmbed) == 0 {
		return results, nil
	}

	for i := 0; i < len(textsToEmbed); i += e.config.MaxBatchSize {
		end := i + e.config.MaxBatchSize
		if end > len(textsToEmbed) {
			end = len(textsToEmbed)
		}

		batchTexts := textsToEmbed[i:end]
		batchIndices := textIndices[i:end]

		embeddings, err := e.embedBatchWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("batch embedding failed: %w", err)
		}

		for j, emb := range embeddings {
			results[batchIndices[j]] = emb
			e.cache.set(batchTexts[j], emb)
		}
	}

	e.log.Debug("batch embedding complete",
		"total_texts", len(texts),
		"from_api", len(textsToEmbed),
	)

	return results, nil
}

// embedBatchWithRetry performs the actual embedding call with retries.
func (e *OpenAIEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := e.config.RetryDelay

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.Debug("retrying embedding request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := e.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		embeddings, err := e.doEmbedBatch(ctx, texts)
		if err == nil {
			return embeddings, nil
		}

		lastErr = err
		e.log.WithError(err).Warn("embedding request failed", "attempt", attempt)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

// doEmbedBatch performs a single embedding API call.
func (e *OpenAIEmbedder) doEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
	}

	return embeddings, nil
}

// Dimension returns the embedding dimension for the model.
func (e *OpenAIEmbedder) Dimension() int {
	switch e.config.Model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// ModelName returns the model name.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Cache methods

func (c *embeddingCache) get(text string) []float32 {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[hashText(text)]
}

func (c *embeddingCache) set(text string, embedding []float32) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashText(text)
	if _, exists := c.entries[key]; exists {
		return
	}

	if len(c.entries) >= c.maxSize && c.maxSize > 0 && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = embedding
	c.order = append(c.order, key)
}

// hashText generates a hash key for caching.
func hashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:16])
}

// MockEmbedder provides a deterministic embedder for testing.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a new mock embedder.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// Embed generates a deterministic embedding based on the text hash.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))
	embedding := make([]float32, m.dimension)
	for i := 0; i < m.dimension; i++ {
		embedding[i] = float32(hash[i%32]) / 255.0
	}
	return embedding, nil
}

// EmbedBatch generates mock embeddings for multiple texts.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimension returns the mock embedding dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// ModelName returns the mock model name.
func (m *MockEmbedder) ModelName() string {
	return "mock-embedder"
}

// CosineSimilarity calculates cosine similarity between two embeddings.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
