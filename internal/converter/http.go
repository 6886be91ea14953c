package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"BatchSettle/internal/model"
)

// HTTP calls a remote conversion service. The service settles the funds on
// its side and reports the claimable amount produced.
type HTTP struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTP creates a converter client with optional proxy support.
func NewHTTP(baseURL, apiKey, proxyURL string) *HTTP {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &HTTP{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}
}

type convertRequest struct {
	Kind   model.BatchKind `json:"kind"`
	Amount model.Amount    `json:"amount"`
}

type convertResponse struct {
	Amount model.Amount `json:"amount"`
	Error  string       `json:"error,omitempty"`
}

func (h *HTTP) Convert(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
	body, err := json.Marshal(convertRequest{Kind: kind, Amount: supplied})
	if err != nil {
		return model.Amount{}, fmt.Errorf("marshal convert request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/api/v1/convert", bytes.NewReader(body))
	if err != nil {
		return model.Amount{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return model.Amount{}, fmt.Errorf("convert request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Amount{}, fmt.Errorf("read convert response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Amount{}, fmt.Errorf("converter API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var out convertResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return model.Amount{}, fmt.Errorf("decode convert response: %w", err)
	}
	if out.Error != "" {
		return model.Amount{}, fmt.Errorf("converter: %s", out.Error)
	}
	return out.Amount, nil
}
