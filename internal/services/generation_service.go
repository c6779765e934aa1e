package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ProviderConfig is the on-disk shape of providers.json. The active
// provider can be swapped at runtime without a restart; main.go watches
// the file and calls ReloadProviders when it changes.
type ProviderConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

type providersFile struct {
	Active    string           `json:"active"`
	Providers []ProviderConfig `json:"providers"`
}

// GenerationService calls the external text-generation API and
// implements GenerationExecutor for the queue processor.
type GenerationService struct {
	httpClient *http.Client
	logger     *logrus.Logger
	limiter    *rate.Limiter

	mu       sync.RWMutex
	provider ProviderConfig
	path     string
}

type generationRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Input     json.RawMessage `json:"input"`
}

type generationResponse struct {
	Summary string `json:"summary"`
	Code    string `json:"code"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error string `json:"error,omitempty"`
}

// NewGenerationService builds an executor from the static config values.
// If providersPath is non-empty and readable it overrides them.
func NewGenerationService(baseURL, apiKey, model string, rps float64, providersPath string) *GenerationService {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if rps <= 0 {
		rps = 1
	}

	s := &GenerationService{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		provider: ProviderConfig{
			Name:    "default",
			BaseURL: baseURL,
			APIKey:  apiKey,
			Model:   model,
		},
		path: providersPath,
	}

	if providersPath != "" {
		if err := s.ReloadProviders(); err != nil {
			logger.WithError(err).Warn("providers config not loaded, using static settings")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"baseURL": s.Provider().BaseURL,
		"model":   s.Provider().Model,
		"rps":     rps,
	}).Info("Generation service initialized")

	return s
}

// Provider returns the currently active provider settings.
func (s *GenerationService) Provider() ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// ReloadProviders re-reads providers.json and swaps the active provider.
// Called at startup and from the fsnotify watcher on file change.
func (s *GenerationService) ReloadProviders() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read providers config: %w", err)
	}

	var pf providersFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse providers config: %w", err)
	}

	for _, p := range pf.Providers {
		if p.Name == pf.Active {
			s.mu.Lock()
			// Keep the env-provided key when the file omits it.
			if p.APIKey == "" {
				p.APIKey = s.provider.APIKey
			}
			s.provider = p
			s.mu.Unlock()

			s.logger.WithFields(logrus.Fields{
				"provider": p.Name,
				"model":    p.Model,
			}).Info("Active generation provider reloaded")
			return nil
		}
	}

	return fmt.Errorf("active provider %q not found in %s", pf.Active, s.path)
}

// Execute sends the job payload to the generation API and returns the
// produced result. Rate limited client-side to stay under the provider
// quota; the wait respects ctx cancellation.
func (s *GenerationService) Execute(ctx context.Context, payload []byte) (*GenerationResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait canceled: %w", err)
	}

	provider := s.Provider()

	reqBody := generationRequest{
		Model:     provider.Model,
		MaxTokens: 4096,
		Input:     payload,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/generate", provider.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	s.logger.WithFields(logrus.Fields{
		"model":        provider.Model,
		"payload_size": len(payload),
	}).Info("Dispatching generation request")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generation API error: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var genResp generationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}
	if genResp.Error != "" {
		return nil, fmt.Errorf("generation API returned error: %s", genResp.Error)
	}

	s.logger.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"tokens":      genResp.Usage.TotalTokens,
	}).Info("Generation completed")

	return &GenerationResult{
		Summary: genResp.Summary,
		Code:    genResp.Code,
		Tokens:  int64(genResp.Usage.TotalTokens),
	}, nil
}

// HealthCheck probes the generation API.
func (s *GenerationService) HealthCheck(ctx context.Context) error {
	provider := s.Provider()
	url := fmt.Sprintf("%s/health", provider.BaseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status=%d", resp.StatusCode)
	}
	return nil
}
