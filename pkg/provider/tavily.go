package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const tavilyBaseURL = "https://api.tavily.com"

// TavilyBackend calls the Tavily search API.
type TavilyBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTavily builds the Tavily backend. An empty key is reported at
// search time as a typed error, not at construction, so route building
// stays infallible.
func NewTavily(apiKey string) *TavilyBackend {
	return &TavilyBackend{apiKey: apiKey, baseURL: tavilyBaseURL, client: newHTTPClient()}
}

func (b *TavilyBackend) Name() string { return Tavily }

type tavilyRequest struct {
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth"`
	MaxResults        int      `json:"max_results"`
	IncludeAnswer     bool     `json:"include_answer"`
	IncludeRawContent bool     `json:"include_raw_content"`
	TimeRange         string   `json:"time_range,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		ID            string  `json:"id"`
		URL           string  `json:"url"`
		Title         string  `json:"title"`
		Content       string  `json:"content"`
		PublishedDate string  `json:"published_date"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

func (b *TavilyBackend) Search(ctx context.Context, q Query) (*Response, error) {
	if b.apiKey == "" {
		return nil, missingKeyErr(Tavily, "TAVILY_API_KEY")
	}
	start := time.Now()

	body, err := json.Marshal(tavilyRequest{
		Query:          q.Query,
		SearchDepth:    "basic",
		MaxResults:     maxResultsOrDefault(q.MaxResults),
		TimeRange:      q.TimeRange,
		IncludeDomains: q.IncludeDomains,
		ExcludeDomains: q.ExcludeDomains,
	})
	if err != nil {
		return nil, requestErr(Tavily, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, requestErr(Tavily, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, requestErr(Tavily, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, statusErr(Tavily, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, parseErr(Tavily, "invalid response body", err)
	}

	out := &Response{Provider: Tavily, Latency: time.Since(start)}
	for _, row := range payload.Results {
		url := strings.TrimSpace(row.URL)
		if url == "" {
			continue
		}
		id := row.ID
		if id == "" {
			id = url
		}
		title := row.Title
		if title == "" {
			title = "Untitled"
		}
		out.Citations = append(out.Citations, Citation{
			ID:          id,
			Provider:    Tavily,
			Title:       title,
			URL:         url,
			Snippet:     row.Content,
			PublishedAt: row.PublishedDate,
			Score:       row.Score,
		})
	}
	return out, nil
}

var _ Backend = (*TavilyBackend)(nil)
