// Package provider wraps external search backends behind one uniform
// contract. Each backend is addressed by name and fully replaceable
// without touching conductor or harness logic; this is the seam where
// real services are swapped for test doubles.
package provider

import (
	"context"
	"net/http"
	"time"
)

// Known backend names.
const (
	Tavily = "tavily"
	Brave  = "brave"
	Exa    = "exa"
)

const defaultHTTPTimeout = 30 * time.Second

// Query is the normalized search request every backend accepts.
type Query struct {
	Query          string
	MaxResults     int
	TimeRange      string
	IncludeDomains []string
	ExcludeDomains []string
}

// Citation is one normalized search result.
type Citation struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	PublishedAt string  `json:"published_at,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// Response is a backend's normalized answer.
type Response struct {
	Provider  string        `json:"provider"`
	Citations []Citation    `json:"citations"`
	Latency   time.Duration `json:"latency"`
}

// Backend is one routable search provider.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query) (*Response, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func maxResultsOrDefault(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

// MergeCitations combines citations from several responses, first
// occurrence of a URL wins.
func MergeCitations(responses []*Response) []Citation {
	seen := make(map[string]bool)
	var merged []Citation
	for _, resp := range responses {
		for _, c := range resp.Citations {
			if !seen[c.URL] {
				seen[c.URL] = true
				merged = append(merged, c)
			}
		}
	}
	return merged
}
