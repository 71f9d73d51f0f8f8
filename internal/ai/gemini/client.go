package gemini

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/logger"
)

const (
	defaultModel    = "gemini-2.5-pro"
	providerName    = "gemini"
	defaultCacheTTL = time.Hour
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type cacheCreator interface {
	Create(ctx context.Context, model string, config *genai.CreateCachedContentConfig) (*genai.CachedContent, error)
}

// Options tunes generation.
type Options struct {
	Model       string
	MaxTokens   int32
	Temperature *float32

	// CacheDocument stores each distinct system instruction as cached content
	// so the document text is not resent on every call.
	CacheDocument bool
	CacheTTL      time.Duration
}

// Generator implements ai.Client on top of the Google GenAI SDK.
type Generator struct {
	models      contentGenerator
	caches      cacheCreator
	model       string
	maxTokens   int32
	temperature *float32
	cacheTTL    time.Duration
	logger      *zap.Logger

	cacheMu     sync.Mutex
	systemCache map[string]cachedSystem
}

// cachedSystem is a cached content resource. An empty name records a failed
// creation so it is not attempted again for the same content.
type cachedSystem struct {
	name string
}

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey string, opts Options, log *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	var caches cacheCreator
	if opts.CacheDocument {
		caches = client.Caches
	}

	return newGenerator(client.Models, caches, opts, log), nil
}

func newGenerator(models contentGenerator, caches cacheCreator, opts Options, log *zap.Logger) *Generator {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &Generator{
		models:      models,
		caches:      caches,
		model:       model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		cacheTTL:    ttl,
		logger:      logger.WithCommonFields(log, providerName, model),
		systemCache: make(map[string]cachedSystem),
	}
}

// Generate sends the conversation to Gemini and returns the concatenated text
// of the response.
func (g *Generator) Generate(ctx context.Context, call ai.Call) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}
	if len(call.Messages) == 0 {
		return "", errors.New("messages must not be empty")
	}

	model := g.resolveModel(call.Model)

	contents := make([]*genai.Content, 0, len(call.Messages))
	for _, msg := range call.Messages {
		role := genai.RoleUser
		if msg.Role == ai.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(call.System); system != "" {
		if name := g.ensureSystemCache(ctx, model, system); name != "" {
			config.CachedContent = name
		} else {
			config.SystemInstruction = systemContent(system)
		}
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = g.maxTokens
	}
	if g.temperature != nil {
		config.Temperature = g.temperature
	}

	resp, err := g.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", classify(fmt.Errorf("generate content: %w", err))
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", &ai.TransientError{Err: errors.New("gemini api returned empty response")}
	}

	return output, nil
}

// ensureSystemCache returns the cached content holding the system
// instruction for model, creating it on first use. It returns "" when caching
// is disabled or the cache could not be created; callers then send the
// instruction inline.
func (g *Generator) ensureSystemCache(ctx context.Context, model, system string) string {
	if g.caches == nil {
		return ""
	}

	sum := sha256.Sum256([]byte(system))
	hash := fmt.Sprintf("%x", sum[:])
	key := model + "/" + hash

	// Held across creation so concurrent batches share one cache.
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()

	if existing, ok := g.systemCache[key]; ok {
		return existing.name
	}

	cached, err := g.caches.Create(ctx, model, &genai.CreateCachedContentConfig{
		DisplayName:       "doc-evaluator-" + hash[:12],
		TTL:               g.cacheTTL,
		SystemInstruction: systemContent(system),
	})
	if err == nil && (cached == nil || strings.TrimSpace(cached.Name) == "") {
		err = errors.New("gemini api returned empty cache name")
	}
	if err != nil {
		g.logger.Warn("caching document failed, sending it inline", zap.Error(err), zap.String("model", model))
		if ctx.Err() == nil {
			g.systemCache[key] = cachedSystem{}
		}
		return ""
	}

	name := strings.TrimSpace(cached.Name)
	g.logger.Debug("document cached", zap.String("cache", name), zap.String("model", model))
	g.systemCache[key] = cachedSystem{name: name}
	return name
}

func systemContent(system string) *genai.Content {
	return &genai.Content{Parts: []*genai.Part{{Text: system}}}
}

// resolveModel keeps Gemini model names requested by a rule and falls back
// to the configured model for anything else.
func (g *Generator) resolveModel(requested string) string {
	requested = strings.TrimSpace(requested)
	if strings.HasPrefix(requested, "gemini") {
		return requested
	}
	if requested != "" {
		g.logger.Debug("model is not served by gemini, using default", zap.String("requested", requested))
	}
	return g.model
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(err, apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return ai.ClassifyStatus(err, apiErrPtr.Code)
	}
	if ai.IsTransient(err) {
		return &ai.TransientError{Err: err}
	}
	return err
}
