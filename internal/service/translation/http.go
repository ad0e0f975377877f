package translation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPTranslator LibreTranslate 兼容的 REST 翻译服务客户端
type HTTPTranslator struct {
	httpClient *resty.Client
	apiKey     string
	logger     *zap.Logger
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

type detectRequest struct {
	Q      string `json:"q"`
	APIKey string `json:"api_key,omitempty"`
}

type detection struct {
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPTranslator 创建 REST 翻译客户端
func NewHTTPTranslator(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPTranslator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPTranslator{httpClient: client, apiKey: apiKey, logger: logger.Named("translation")}
}

// Translate 翻译文本
func (t *HTTPTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	source := Normalize(from)
	if source == "" {
		source = "auto"
	}

	var result translateResponse
	var apiErr errorResponse
	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetBody(translateRequest{Q: text, Source: source, Target: Normalize(to), Format: "text", APIKey: t.apiKey}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/translate")
	if err != nil {
		return "", fmt.Errorf("failed to call translation API: %w", err)
	}
	if resp.IsError() {
		t.logger.Warn("translation API returned error", zap.Int("status_code", resp.StatusCode()), zap.String("error", apiErr.Error))
		return "", fmt.Errorf("translation API error: %s (status: %d)", apiErr.Error, resp.StatusCode())
	}

	translated := strings.TrimSpace(result.TranslatedText)
	if translated == "" {
		return "", fmt.Errorf("translation API returned empty text")
	}
	return translated, nil
}

// Detect 识别语种，取置信度最高的结果
func (t *HTTPTranslator) Detect(ctx context.Context, text string) (string, error) {
	var detections []detection
	var apiErr errorResponse
	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetBody(detectRequest{Q: text, APIKey: t.apiKey}).
		SetResult(&detections).
		SetError(&apiErr).
		Post("/detect")
	if err != nil {
		return "", fmt.Errorf("failed to call detect API: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("detect API error: %s (status: %d)", apiErr.Error, resp.StatusCode())
	}

	var best detection
	for _, d := range detections {
		if d.Confidence > best.Confidence || best.Language == "" {
			best = d
		}
	}
	code := Normalize(best.Language)
	if code == "" {
		return "", fmt.Errorf("detect API returned no language")
	}
	return code, nil
}
