package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultHuggingFaceBaseURL = "https://api-inference.huggingface.co/models"
	DefaultHuggingFaceModel   = "black-forest-labs/FLUX.1-schnell"

	maxImageBytes = 20 << 20
)

// HuggingFaceConfig configures the inference API client.
type HuggingFaceConfig struct {
	Token   string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// HuggingFace calls the Hugging Face inference API text-to-image task.
type HuggingFace struct {
	token      string
	model      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewHuggingFace(cfg HuggingFaceConfig, log *slog.Logger) *HuggingFace {
	if cfg.Model == "" {
		cfg.Model = DefaultHuggingFaceModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHuggingFaceBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HuggingFace{
		token:      cfg.Token,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

var _ Generator = (*HuggingFace)(nil)

type hfRequest struct {
	Inputs string `json:"inputs"`
}

type hfError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

func (h *HuggingFace) Generate(ctx context.Context, prompt string) (*Image, error) {
	body, err := json.Marshal(hfRequest{Inputs: prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+h.model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error calling image backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, h.statusError(resp.StatusCode, data)
	}
	if len(data) > maxImageBytes {
		return nil, &Error{Provider: "huggingface", Message: "image exceeds size limit"}
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			return nil, &Error{Provider: "huggingface", Message: "backend returned a non-image response"}
		}
	}

	h.log.Debug("image generated",
		"model", h.model,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Image{Data: data, ContentType: contentType, Model: h.model}, nil
}

func (h *HuggingFace) statusError(status int, body []byte) error {
	msg := http.StatusText(status)
	var e hfError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		msg = e.Error
	}
	return &Error{
		Provider:   "huggingface",
		StatusCode: status,
		Message:    msg,
		Temporary:  status == http.StatusTooManyRequests || status >= 500,
	}
}
