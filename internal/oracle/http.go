package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caliber/internal/config"
	"caliber/internal/domain"
)

// HTTPClient calls the oracle over HTTP. Each logical call tries the primary
// model and, on failure, the fallback model once; seed is carried unchanged
// so per-seed determinism survives the substitution.
type HTTPClient struct {
	BaseURL       string
	APIKey        string
	PrimaryModel  string
	FallbackModel string
	Timeout       time.Duration
	CacheTTL      time.Duration
	Cache         Cache
	HTTPClient    *http.Client
}

// NewHTTPClient builds a client from domain config plus the API key, which
// arrives via process config rather than caliber.yml.
func NewHTTPClient(cfg config.OracleConfig, apiKey string, cache Cache) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if cfg.TimeoutMS <= 0 {
		timeout = time.Duration(config.DefaultOracleTimeoutMS) * time.Millisecond
	}
	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if cfg.CacheTTLSeconds <= 0 {
		cacheTTL = time.Duration(config.DefaultCacheTTLSeconds) * time.Second
	}
	return &HTTPClient{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:        apiKey,
		PrimaryModel:  cfg.PrimaryModel,
		FallbackModel: cfg.FallbackModel,
		Timeout:       timeout,
		CacheTTL:      cacheTTL,
		Cache:         cache,
		HTTPClient:    &http.Client{},
	}
}

func (c *HTTPClient) models() []string {
	models := []string{c.PrimaryModel}
	if c.FallbackModel != "" && c.FallbackModel != c.PrimaryModel {
		models = append(models, c.FallbackModel)
	}
	return models
}

func (c *HTTPClient) GradeAnswer(ctx context.Context, req GradeRequest) (GradeResult, error) {
	if c.BaseURL == "" {
		return GradeResult{}, ErrNotConfigured
	}
	var errs []error
	for _, model := range c.models() {
		key := gradeCacheKey(req, model)
		if c.Cache != nil {
			if data, ok := c.Cache.Get(key); ok {
				if result, err := decodeGradeResult(data); err == nil {
					return result, nil
				}
			}
		}
		data, err := c.post(ctx, "/v1/grade", gradeWire{GradeRequest: req, Model: model})
		if err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", model, err))
			continue
		}
		result, err := decodeGradeResult(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", model, err))
			continue
		}
		if c.Cache != nil {
			c.Cache.SetWithTTL(key, data, c.CacheTTL)
		}
		return result, nil
	}
	return GradeResult{}, fmt.Errorf("grade answer: %w", errors.Join(errs...))
}

func (c *HTTPClient) GenerateQuestion(ctx context.Context, req QuestionRequest) (domain.Question, error) {
	if c.BaseURL == "" {
		return domain.Question{}, ErrNotConfigured
	}
	var errs []error
	for _, model := range c.models() {
		data, err := c.post(ctx, "/v1/question", questionWire{QuestionRequest: req, Model: model})
		if err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", model, err))
			continue
		}
		q, err := decodeQuestion(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", model, err))
			continue
		}
		return q, nil
	}
	return domain.Question{}, fmt.Errorf("generate question: %w", errors.Join(errs...))
}

type gradeWire struct {
	GradeRequest
	Model string `json:"model"`
}

type questionWire struct {
	QuestionRequest
	Model string `json:"model"`
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}
