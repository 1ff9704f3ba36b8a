package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/limiter"
)

// Page is the extracted text of a fetched web page, capped at the
// configured character budget.
type Page struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher retrieves pages politely: robots.txt is honored, fetches to the
// same domain are serialized, failures back the domain off, and results
// are cached by normalized URL.
type Fetcher struct {
	cfg    config.ResearchConfig
	limits *limiter.Limiter
	cache  *cache.Cache
	client *http.Client
	logger *slog.Logger
}

func NewFetcher(cfg config.ResearchConfig, limits *limiter.Limiter, c *cache.Cache, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		limits: limits,
		cache:  c,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger.With("component", "fetcher"),
	}
}

// Fetch returns the page for rawURL, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	raw, err := f.cache.GetOrProduce(ctx, cache.PurposePage, normalized, func(fctx context.Context) ([]byte, error) {
		page, err := f.fetch(fctx, normalized)
		if err != nil {
			return nil, err
		}
		return json.Marshal(page)
	})
	if err != nil {
		return nil, err
	}
	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode cached page")
	}
	return &page, nil
}

func (f *Fetcher) fetch(ctx context.Context, normalized string) (*Page, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "invalid url")
	}
	domain := u.Host

	allowed, err := f.robotsAllowed(ctx, u)
	if err != nil {
		f.logger.DebugContext(ctx, "robots lookup failed, assuming allowed",
			"domain", domain, "error", err)
	} else if !allowed {
		f.limits.BlockRobots(domain)
		return nil, fault.Throttle(24*time.Hour, "robots.txt disallows fetching %s", normalized)
	}

	release, err := f.limits.AcquireFetch(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, fault.Wrap(fault.BadRequest, err, "build page request")
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		f.limits.ReportFetch(domain, false)
		return nil, fault.Wrap(fault.ProviderError, err, "fetch failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// A missing page is not the domain's fault.
		f.limits.ReportFetch(domain, true)
		return nil, fault.New(fault.NotFound, "page %s returned %d", normalized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		f.limits.ReportFetch(domain, false)
		return nil, fault.Throttle(parseRetryAfter(resp), "domain %s rate limited us", domain)
	case resp.StatusCode >= 400:
		f.limits.ReportFetch(domain, false)
		return nil, fault.New(fault.ProviderError, "page %s returned %d", normalized, resp.StatusCode)
	}

	title, text, err := extractText(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		f.limits.ReportFetch(domain, false)
		return nil, fault.Wrap(fault.BadResponse, err, "parse page")
	}
	f.limits.ReportFetch(domain, true)

	if len(text) > f.cfg.PageCharCap {
		text = text[:f.cfg.PageCharCap]
	}
	return &Page{
		URL:       normalized,
		Title:     title,
		Text:      text,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// robotsAllowed fetches and caches the domain's robots.txt and applies it
// to the target path. Unreachable or missing robots files allow the fetch.
func (f *Fetcher) robotsAllowed(ctx context.Context, target *url.URL) (bool, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, target.Host)
	raw, err := f.cache.GetOrProduce(ctx, cache.PurposeRobots, target.Host, func(fctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(fctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			// No robots file: everything is allowed. Cache the emptiness.
			return []byte{}, nil
		}
		return io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	})
	if err != nil {
		return true, err
	}
	rules := parseRobots(string(raw), f.cfg.UserAgent)
	return rules.allowed(target.Path), nil
}

// extractText pulls the readable text out of an HTML document.
func extractText(r io.Reader) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, iframe, svg, nav, header, footer, aside").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	text = collapseWhitespace(body.Text())
	return title, text, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
