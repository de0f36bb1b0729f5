package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/provider"
)

const (
	fetchUserAgent      = "automat-researcher/1.0 (+fetch_url)"
	defaultFetchTimeout = 30 * time.Second
	maxFetchTimeout     = 120 * time.Second
	defaultExcerptChars = 8000
	minExcerptChars     = 500
	maxExcerptChars     = 64000
)

// Researcher searches the web through the provider route and fetches
// page content for citations.
type Researcher struct {
	providers    provider.Registry
	preference   string
	entryTimeout time.Duration
	observer     SearchObserver
	client       *http.Client
	logger       zerolog.Logger
}

// NewResearcher builds the research adapter. entryTimeout bounds each
// provider attempt on a search route; zero leaves entries unbounded
// apart from the turn deadline.
func NewResearcher(providers provider.Registry, preference string, entryTimeout time.Duration, observer SearchObserver, logger zerolog.Logger) *Researcher {
	return &Researcher{
		providers:    providers,
		preference:   preference,
		entryTimeout: entryTimeout,
		observer:     observer,
		client:       &http.Client{Timeout: maxFetchTimeout},
		logger:       logger.With().Str("adapter", KindResearcher).Logger(),
	}
}

func (r *Researcher) RoleName() string { return KindResearcher }

func (r *Researcher) ShouldDefer(string) bool { return false }

func (r *Researcher) Catalog() []decision.ToolSpec {
	return []decision.ToolSpec{
		{
			Name:        "web_search",
			Description: "Search the web for information and return normalized citations.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "The search query",
					},
					"provider": map[string]interface{}{
						"type":        "string",
						"description": "Provider preference: auto, tavily, brave, exa, or a comma list",
					},
					"max_results": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum results per provider",
					},
					"time_range": map[string]interface{}{
						"type":        "string",
						"description": "Recency filter: day, week, month, or year",
					},
					"include_domains": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"exclude_domains": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
				},
				"required": []interface{}{"query"},
			},
		},
		{
			Name:        "fetch_url",
			Description: "Fetch a URL and return a plain-text excerpt of its content.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "The http(s) URL to fetch",
					},
					"max_chars": map[string]interface{}{
						"type":        "integer",
						"description": "Excerpt length cap, 500 to 64000",
					},
				},
				"required": []interface{}{"url"},
			},
		},
	}
}

func (r *Researcher) ExecuteTool(ctx context.Context, call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}
	switch call.Name {
	case "web_search":
		return r.webSearch(ctx, call)
	case "fetch_url":
		return r.fetchURL(ctx, call)
	default:
		res.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return res
	}
}

type searchOutput struct {
	Provider  string                `json:"provider"`
	Citations []provider.Citation   `json:"citations"`
	Errors    []provider.EntryError `json:"errors,omitempty"`
}

func (r *Researcher) webSearch(ctx context.Context, call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		res.Error = "query cannot be empty"
		return res
	}
	preference := r.preference
	if p := provider.PreferenceFromContext(ctx); p != "" {
		preference = p
	}
	if p, ok := call.Args["provider"].(string); ok && strings.TrimSpace(p) != "" {
		preference = p
	}

	route, err := provider.BuildRoute(preference, r.providers, r.entryTimeout, 0)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	q := provider.Query{Query: query}
	if n, ok := call.Args["max_results"].(float64); ok {
		q.MaxResults = int(n)
	}
	if tr, ok := call.Args["time_range"].(string); ok {
		q.TimeRange = tr
	}
	q.IncludeDomains = stringSlice(call.Args["include_domains"])
	q.ExcludeDomains = stringSlice(call.Args["exclude_domains"])

	resp, failures, err := provider.ExecuteRoute(ctx, route, q, nil)
	if err != nil {
		if r.observer != nil {
			r.observer.SearchCompleted(ctx, "", failures)
		}
		res.Error = err.Error()
		return res
	}
	if r.observer != nil {
		r.observer.SearchCompleted(ctx, resp.Provider, failures)
	}

	out, marshalErr := json.Marshal(searchOutput{
		Provider:  resp.Provider,
		Citations: resp.Citations,
		Errors:    failures,
	})
	if marshalErr != nil {
		res.Error = marshalErr.Error()
		return res
	}
	res.Output = string(out)
	res.Success = true
	return res
}

type fetchOutput struct {
	URL            string `json:"url"`
	FinalURL       string `json:"final_url"`
	StatusCode     int    `json:"status_code"`
	ContentType    string `json:"content_type,omitempty"`
	ContentExcerpt string `json:"content_excerpt"`
	ContentLength  int    `json:"content_length"`
}

func (r *Researcher) fetchURL(ctx context.Context, call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	rawURL, _ := call.Args["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		res.Error = "url cannot be empty"
		return res
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		res.Error = "url must start with http:// or https://"
		return res
	}

	maxChars := defaultExcerptChars
	if n, ok := call.Args["max_chars"].(float64); ok && n > 0 {
		maxChars = int(n)
		if maxChars < minExcerptChars {
			maxChars = minExcerptChars
		}
		if maxChars > maxExcerptChars {
			maxChars = maxExcerptChars
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxExcerptChars)*4))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	contentType := resp.Header.Get("Content-Type")

	out, marshalErr := json.Marshal(fetchOutput{
		URL:            rawURL,
		FinalURL:       resp.Request.URL.String(),
		StatusCode:     resp.StatusCode,
		ContentType:    contentType,
		ContentExcerpt: extractExcerpt(string(body), contentType, maxChars),
		ContentLength:  len(body),
	})
	if marshalErr != nil {
		res.Error = marshalErr.Error()
		return res
	}
	res.Output = string(out)
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Success {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return res
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe        = regexp.MustCompile(`(?is)<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// extractExcerpt strips markup from HTML bodies and clamps the text to
// maxChars, cutting on a rune boundary.
func extractExcerpt(body, contentType string, maxChars int) string {
	looksHTML := strings.Contains(strings.ToLower(contentType), "html")
	if contentType == "" {
		looksHTML = strings.Contains(body, "<html") || strings.Contains(body, "<body")
	}

	text := body
	if looksHTML {
		text = scriptRe.ReplaceAllString(text, " ")
		text = styleRe.ReplaceAllString(text, " ")
		text = tagRe.ReplaceAllString(text, " ")
	}
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	runes := []rune(text)
	if len(runes) > maxChars {
		return string(runes[:maxChars])
	}
	return text
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
