// resolver.go resolves third-party share links into direct media URLs via
// an external downloader API.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Resolution holds the direct media URLs extracted from a share link.
// Any subset of the fields may be populated.
type Resolution struct {
	VideoURL  string   `json:"video_url"`
	AudioURL  string   `json:"audio_url"`
	ImageURLs []string `json:"image_urls"`
}

// Resolver turns a share link into direct media URLs.
type Resolver interface {
	Resolve(ctx context.Context, link string) (*Resolution, error)
}

// HTTPResolver calls a downloader API that accepts the share link as a
// query parameter and answers with JSON.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPResolver creates a resolver against the given API endpoint.
func NewHTTPResolver(endpoint string) *HTTPResolver {
	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve fetches the direct media URLs for a share link.
func (r *HTTPResolver) Resolve(ctx context.Context, link string) (*Resolution, error) {
	q := url.Values{}
	q.Set("url", link)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("media: creating resolve request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: resolve request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("media: resolver returned %d: %s", resp.StatusCode, body)
	}

	var res Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("media: decoding resolution: %w", err)
	}
	if res.VideoURL == "" && res.AudioURL == "" && len(res.ImageURLs) == 0 {
		return nil, fmt.Errorf("media: resolver found no media for link")
	}
	return &res, nil
}
