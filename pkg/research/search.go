// Package research implements the web research pipeline: search, polite
// fetch, per-page summaries, and a cited synthesis. Every stage reads
// through the shared cache so repeated questions cost one pass.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
)

// SearchResult is one hit from the search provider.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SearchProvider finds candidate pages for a query.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// BraveSearch implements SearchProvider on the Brave Search API.
type BraveSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ SearchProvider = (*BraveSearch)(nil)

func NewBraveSearch(cfg config.ResearchConfig) *BraveSearch {
	return &BraveSearch{
		apiKey:   cfg.BraveAPIKey,
		endpoint: braveEndpoint,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *BraveSearch) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprint(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderError, err, "search request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.Throttle(parseRetryAfter(resp), "search provider rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fault.New(fault.Unauthorized, "search provider rejected credentials")
	case resp.StatusCode >= 500:
		return nil, fault.New(fault.ProviderError, "search provider returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.ProviderError, "search provider returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fault.Wrap(fault.ProviderError, err, "read search response")
	}
	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.BadResponse, err, "decode search response")
	}

	out := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return out, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return time.Second
}
