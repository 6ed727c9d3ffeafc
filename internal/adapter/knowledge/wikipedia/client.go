// Package wikipedia implements the knowledge-lookup collaborator against
// the Wikipedia REST summary API.
package wikipedia

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

const sourceName = "Wikipedia"

// Client implements domain.KnowledgeSource. Search is safe for concurrent
// use and returns (nil, nil) on "not found".
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a client for the REST API rooted at baseURL
// (e.g. https://es.wikipedia.org/api/rest_v1).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Name identifies this source in cache keys and fallback templates.
func (c *Client) Name() string { return sourceName }

type summaryResponse struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	Type    string `json:"type"`
	Content struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

// Search fetches the page summary for term. A 404 is a confirmed miss, not
// an error.
func (c *Client) Search(ctx domain.Context, term string) (*domain.ExternalInfo, error) {
	endpoint := c.baseURL + "/page/summary/" + url.PathEscape(strings.TrimSpace(term))
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("op=wikipedia.Search: %w", err)
	}
	r.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: summary status %d", domain.ErrUpstreamError, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamError, err)
	}
	var out summaryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamError, err)
	}
	// Disambiguation pages carry no usable extract.
	if out.Extract == "" || out.Type == "disambiguation" {
		slog.Debug("wikipedia summary without extract", slog.String("term", term), slog.String("type", out.Type))
		return nil, nil
	}
	return &domain.ExternalInfo{
		Source:  sourceName,
		Title:   out.Title,
		Content: out.Extract,
		URL:     out.Content.Desktop.Page,
	}, nil
}
