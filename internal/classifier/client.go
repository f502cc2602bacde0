package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/eventphoto/photo-pipeline/internal/pipeline"
)

// Client calls the tag inference backend: one synchronous request with the
// raw image bytes, returning candidate tag names. The backend is a black box
// with an eventual timeout and no ordering guarantee, so candidates are
// sorted by confidence client-side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a classifier client. timeout bounds each request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type prediction struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type predictResponse struct {
	Tags []prediction `json:"tags"`
}

// PredictTags submits the image and returns candidate tag names, highest
// confidence first. Network errors and 5xx responses are transient; a 4xx
// means the payload itself is rejected and will be on every retry, so it is
// marked permanent.
func (c *Client) PredictTags(ctx context.Context, image []byte) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predict", bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, pipeline.Permanent(fmt.Errorf("classifier: backend rejected image: status %d: %s", resp.StatusCode, body))
	default:
		return nil, fmt.Errorf("classifier: backend unavailable: status %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("classifier: failed to decode response: %w", err)
	}

	sort.SliceStable(out.Tags, func(i, j int) bool {
		return out.Tags[i].Confidence > out.Tags[j].Confidence
	})

	names := make([]string, 0, len(out.Tags))
	for _, p := range out.Tags {
		names = append(names, p.Name)
	}

	return names, nil
}
