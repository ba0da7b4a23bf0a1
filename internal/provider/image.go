package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type imageAPIRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageAPIResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate produces image assets through the provider's images endpoint.
func (c Client) Generate(ctx context.Context, model, prompt, size string) ([]ImageAsset, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is required")
	}

	payload, err := json.Marshal(imageAPIRequest{
		Model:          strings.TrimSpace(model),
		Prompt:         strings.TrimSpace(prompt),
		N:              1,
		Size:           strings.TrimSpace(size),
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request image generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("image provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed imageAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode image response: %w", err)
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return nil, errors.New(strings.TrimSpace(parsed.Error.Message))
	}
	if len(parsed.Data) == 0 {
		return nil, errors.New("image provider returned no assets")
	}

	assets := make([]ImageAsset, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		raw, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image payload: %w", err)
		}
		assets = append(assets, ImageAsset{MediaType: "image/png", Data: raw})
	}
	return assets, nil
}
