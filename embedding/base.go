package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/holonflow/internal/tlsutil"
)

// BaseProvider 为嵌入提供者提供 HTTP 调用、限流与错误映射.
type BaseProvider struct {
	name       string
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxBatch   int
	limiter    *rate.Limiter
}

// BaseConfig 持有基础提供者的共同配置.
type BaseConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	Model             string
	Dimensions        int
	MaxBatch          int
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NewBaseProvider 创建基础提供者.
func NewBaseProvider(cfg BaseConfig) *BaseProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch == 0 {
		maxBatch = 100
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &BaseProvider{
		name:       cfg.Name,
		client:     tlsutil.SecureHTTPClient(timeout),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxBatch:   maxBatch,
		limiter:    limiter,
	}
}

func (p *BaseProvider) Name() string      { return p.name }
func (p *BaseProvider) Dimensions() int   { return p.dimensions }
func (p *BaseProvider) MaxBatchSize() int { return p.maxBatch }

// EmbedQuery 嵌入单个查询字符串.
func (p *BaseProvider) EmbedQuery(ctx context.Context, query string, embedFn func(context.Context, *EmbeddingRequest) (*EmbeddingResponse, error)) ([]float64, error) {
	resp, err := embedFn(ctx, &EmbeddingRequest{
		Input:     []string{query},
		InputType: InputTypeQuery,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, ErrNoEmbeddings
	}
	return resp.Embeddings[0].Embedding, nil
}

// EmbedDocuments 按 MaxBatchSize 分批嵌入多个文本, 结果按 Index 回填.
func (p *BaseProvider) EmbedDocuments(ctx context.Context, documents []string, embedFn func(context.Context, *EmbeddingRequest) (*EmbeddingResponse, error)) ([][]float64, error) {
	result := make([][]float64, len(documents))
	for start := 0; start < len(documents); start += p.maxBatch {
		end := start + p.maxBatch
		if end > len(documents) {
			end = len(documents)
		}
		resp, err := embedFn(ctx, &EmbeddingRequest{
			Input:     documents[start:end],
			InputType: InputTypeDocument,
		})
		if err != nil {
			return nil, err
		}
		for i, emb := range resp.Embeddings {
			idx := emb.Index
			if idx < 0 || idx >= end-start {
				idx = i
			}
			if start+idx < len(result) {
				result[start+idx] = emb.Embedding
			}
		}
	}
	for i, v := range result {
		if len(v) == 0 {
			return nil, fmt.Errorf("document %d: %w", i, ErrNoEmbeddings)
		}
	}
	return result, nil
}

// DoRequest 执行 HTTP 请求, 先等待限流令牌, 再做通用错误处理.
func (p *BaseProvider) DoRequest(ctx context.Context, method, endpoint string, body any, headers map[string]string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &Error{
			Code:      ErrRateLimited,
			Message:   err.Error(),
			Retryable: true,
			Provider:  p.name,
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{
			Code:       ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.name,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, string(respBody), p.name)
	}

	return respBody, nil
}

// ChooseModel 从请求或默认中选择模型.
func ChooseModel(reqModel, defaultModel, fallback string) string {
	if reqModel != "" {
		return reqModel
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallback
}
