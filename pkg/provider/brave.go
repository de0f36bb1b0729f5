package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const braveBaseURL = "https://api.search.brave.com"

// BraveBackend calls the Brave web search API.
type BraveBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewBrave(apiKey string) *BraveBackend {
	return &BraveBackend{apiKey: apiKey, baseURL: braveBaseURL, client: newHTTPClient()}
}

func (b *BraveBackend) Name() string { return Brave }

type braveResponse struct {
	Web struct {
		Results []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (b *BraveBackend) Search(ctx context.Context, q Query) (*Response, error) {
	if b.apiKey == "" {
		return nil, missingKeyErr(Brave, "BRAVE_API_KEY")
	}
	start := time.Now()

	params := url.Values{}
	params.Set("q", q.Query)
	params.Set("count", strconv.Itoa(maxResultsOrDefault(q.MaxResults)))
	if freshness := braveFreshness(q.TimeRange); freshness != "" {
		params.Set("freshness", freshness)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/res/v1/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, requestErr(Brave, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, requestErr(Brave, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, statusErr(Brave, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, parseErr(Brave, "invalid response body", err)
	}

	out := &Response{Provider: Brave, Latency: time.Since(start)}
	for _, row := range payload.Web.Results {
		link := strings.TrimSpace(row.URL)
		if link == "" {
			continue
		}
		title := row.Title
		if title == "" {
			title = "Untitled"
		}
		out.Citations = append(out.Citations, Citation{
			ID:          link,
			Provider:    Brave,
			Title:       title,
			URL:         link,
			Snippet:     row.Description,
			PublishedAt: row.Age,
		})
	}
	return out, nil
}

// braveFreshness maps the normalized time range onto Brave's freshness
// codes; unrecognized values pass through unchanged.
func braveFreshness(timeRange string) string {
	switch strings.ToLower(strings.TrimSpace(timeRange)) {
	case "":
		return ""
	case "day", "d":
		return "pd"
	case "week", "w":
		return "pw"
	case "month", "m":
		return "pm"
	case "year", "y":
		return "py"
	default:
		return strings.ToLower(strings.TrimSpace(timeRange))
	}
}

var _ Backend = (*BraveBackend)(nil)
