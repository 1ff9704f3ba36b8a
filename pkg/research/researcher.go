package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crewhq/crewd/pkg/cache"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/llm"
	"github.com/crewhq/crewd/pkg/models"
)

// fetchParallelism bounds concurrent page fetches per research run. The
// per-domain gate still serializes same-domain fetches underneath.
const fetchParallelism = 3

// Source is one cited page in a research report.
type Source struct {
	N     int    `json:"n"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Report is the final research artifact: a synthesized answer whose
// claims cite sources by [n] markers.
type Report struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Model   string   `json:"model"`
}

// Synthesist is the persona that writes the final answer. A nil synthesist
// means the neutral researcher voice on the default model.
type Synthesist struct {
	AgentID      string
	Name         string
	Model        string
	SystemPrompt string
	Temperature  float32
}

// Researcher runs the search, fetch, summarize, synthesize pipeline.
type Researcher struct {
	search      SearchProvider
	fetcher     *Fetcher
	client      *llm.Client
	cache       *cache.Cache
	cfg         config.ResearchConfig
	synthesists func(agentID string) (*Synthesist, bool)
	logger      *slog.Logger
}

func NewResearcher(search SearchProvider, fetcher *Fetcher, client *llm.Client, c *cache.Cache, cfg config.ResearchConfig, logger *slog.Logger) *Researcher {
	return &Researcher{
		search:  search,
		fetcher: fetcher,
		client:  client,
		cache:   c,
		cfg:     cfg,
		logger:  logger.With("component", "researcher"),
	}
}

// WithSynthesists installs the resolver for preferred-agent synthesis
// personas. Unresolvable ids fall back to the neutral voice.
func (r *Researcher) WithSynthesists(resolve func(agentID string) (*Synthesist, bool)) *Researcher {
	r.synthesists = resolve
	return r
}

var citationRe = regexp.MustCompile(`\[\d+\]`)

// Research answers the query from fresh web sources. Identical queries
// inside the research TTL are answered from cache. maxResults caps the
// number of sources for this call; zero means the configured default, and
// the configured default is also the upper bound. preferredAgent names the
// synthesis persona; empty means the neutral researcher voice.
func (r *Researcher) Research(ctx context.Context, requesterID, query string, maxResults int, preferredAgent string) (*Report, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fault.New(fault.BadRequest, "empty research query")
	}
	if maxResults <= 0 || maxResults > r.cfg.MaxResults {
		maxResults = r.cfg.MaxResults
	}
	var synth *Synthesist
	if preferredAgent != "" && r.synthesists != nil {
		if s, ok := r.synthesists(preferredAgent); ok {
			synth = s
		}
	}
	synthID := "researcher"
	if synth != nil {
		synthID = synth.AgentID
	}

	key := cache.Fingerprint(cache.PurposeResearch, synthID,
		map[string]any{"query": canonicalQuery(query), "max_results": maxResults}, "")
	raw, err := r.cache.GetOrProduce(ctx, cache.PurposeResearch, key, func(fctx context.Context) ([]byte, error) {
		report, err := r.run(fctx, requesterID, query, maxResults, synth)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	})
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode cached report")
	}
	return &report, nil
}

func (r *Researcher) run(ctx context.Context, requesterID, query string, maxResults int, synth *Synthesist) (*Report, error) {
	results, err := r.searchCached(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	results = dedupeByURL(results)
	if len(results) == 0 {
		return nil, fault.New(fault.NoSources, "no search results for %q", query)
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	pages := r.fetchAll(ctx, results)
	if len(pages) == 0 {
		return nil, fault.New(fault.NoSources, "no fetchable sources for %q", query)
	}

	summaries, err := r.summarizeAll(ctx, requesterID, query, pages)
	if err != nil {
		return nil, err
	}
	return r.synthesize(ctx, requesterID, query, pages, summaries, synth)
}

// searchCached runs the search step behind its own cache entry so a run
// that fails later does not re-query the provider on retry.
func (r *Researcher) searchCached(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	key := cache.Fingerprint(cache.PurposeResearch, "search",
		map[string]any{"query": canonicalQuery(query), "max_results": maxResults}, "")
	raw, err := r.cache.GetOrProduce(ctx, cache.PurposeResearch, key, func(fctx context.Context) ([]byte, error) {
		results, err := r.search.Search(fctx, query, maxResults)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	})
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode cached search results")
	}
	return results, nil
}

// fetchAll retrieves the result pages in parallel, dropping the ones that
// fail. Order follows the search ranking.
func (r *Researcher) fetchAll(ctx context.Context, results []SearchResult) []*Page {
	fetched := make([]*Page, len(results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for i, res := range results {
		g.Go(func() error {
			page, err := r.fetcher.Fetch(gctx, res.URL)
			if err != nil {
				r.logger.DebugContext(gctx, "source dropped",
					"url", res.URL, "error", err)
				return nil
			}
			if page.Title == "" {
				page.Title = res.Title
			}
			fetched[i] = page
			return nil
		})
	}
	_ = g.Wait() // per-page errors are swallowed above

	var pages []*Page
	for _, p := range fetched {
		if p != nil && p.Text != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

// summarizeAll produces one summary per page, cached by content hash so a
// page shared across queries is summarized once.
func (r *Researcher) summarizeAll(ctx context.Context, requesterID, query string, pages []*Page) ([]string, error) {
	summaries := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for i, page := range pages {
		g.Go(func() error {
			res, err := r.client.Generate(gctx, llm.Call{
				RequesterID: requesterID,
				AgentID:     "researcher",
				Cacheable:   true,
				CacheInputs: map[string]any{
					"op":           "summarize",
					"content_hash": contentHash(page.Text),
				},
				Messages: []llm.Message{
					{Role: models.RoleSystem, Content: summarizePrompt},
					{Role: models.RoleUser, Content: fmt.Sprintf("Page: %s\nTitle: %s\n\n%s", page.URL, page.Title, page.Text)},
				},
			})
			if err != nil {
				return err
			}
			summaries[i] = res.Content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (r *Researcher) synthesize(ctx context.Context, requesterID, query string, pages []*Page, summaries []string, synth *Synthesist) (*Report, error) {
	var b strings.Builder
	sources := make([]Source, len(pages))
	for i, page := range pages {
		n := i + 1
		sources[i] = Source{N: n, URL: page.URL, Title: page.Title}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", n, page.Title, page.URL, summaries[i])
	}

	agentID := "researcher"
	model := ""
	system := synthesizePrompt
	var temperature float32
	if synth != nil {
		agentID = synth.AgentID
		model = synth.Model
		temperature = synth.Temperature
		if synth.SystemPrompt != "" {
			system = synth.SystemPrompt + "\n\n" + synthesizePrompt
		}
	}

	res, err := r.client.Generate(ctx, llm.Call{
		RequesterID: requesterID,
		AgentID:     agentID,
		Model:       model,
		Temperature: temperature,
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: fmt.Sprintf("Question: %s\n\nSources:\n%s", query, b.String())},
		},
		Validate: func(content string) error {
			if !citationRe.MatchString(content) {
				return fmt.Errorf("answer carries no [n] citations")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Report{
		Query:   query,
		Answer:  res.Content,
		Sources: sources,
		Model:   res.Model,
	}, nil
}

const summarizePrompt = `You summarize a web page for a research pipeline.
Write a dense factual summary of the page content below in at most 200 words.
Keep concrete facts, numbers, names, and dates. Do not editorialize.`

const synthesizePrompt = `You write the final answer to a research question
from numbered source summaries. Every factual claim must cite its source
with the [n] marker of the summary it came from. If the sources disagree,
say so. Do not invent sources or cite numbers that were not provided.`

func canonicalQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func dedupeByURL(results []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(results))
	var out []SearchResult
	for _, res := range results {
		norm, err := NormalizeURL(res.URL)
		if err != nil {
			continue
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		res.URL = norm
		out = append(out, res)
	}
	return out
}
