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

const exaBaseURL = "https://api.exa.ai"

// ExaBackend calls the Exa neural search API.
type ExaBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewExa(apiKey string) *ExaBackend {
	return &ExaBackend{apiKey: apiKey, baseURL: exaBaseURL, client: newHTTPClient()}
}

func (b *ExaBackend) Name() string { return Exa }

type exaRequest struct {
	Query          string          `json:"query"`
	NumResults     int             `json:"numResults"`
	Type           string          `json:"type"`
	Contents       exaContentsSpec `json:"contents"`
	IncludeDomains []string        `json:"includeDomains,omitempty"`
	ExcludeDomains []string        `json:"excludeDomains,omitempty"`
}

type exaContentsSpec struct {
	Text bool `json:"text"`
}

type exaResponse struct {
	Results []struct {
		ID              string    `json:"id"`
		URL             string    `json:"url"`
		Title           string    `json:"title"`
		Text            string    `json:"text"`
		Highlights      []string  `json:"highlights"`
		Score           float64   `json:"score"`
		HighlightScores []float64 `json:"highlightScores"`
		PublishedDate   string    `json:"publishedDate"`
	} `json:"results"`
}

func (b *ExaBackend) Search(ctx context.Context, q Query) (*Response, error) {
	if b.apiKey == "" {
		return nil, missingKeyErr(Exa, "EXA_API_KEY")
	}
	start := time.Now()

	body, err := json.Marshal(exaRequest{
		Query:          q.Query,
		NumResults:     maxResultsOrDefault(q.MaxResults),
		Type:           "auto",
		Contents:       exaContentsSpec{Text: true},
		IncludeDomains: q.IncludeDomains,
		ExcludeDomains: q.ExcludeDomains,
	})
	if err != nil {
		return nil, requestErr(Exa, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, requestErr(Exa, err)
	}
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, requestErr(Exa, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, statusErr(Exa, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload exaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, parseErr(Exa, "invalid response body", err)
	}

	out := &Response{Provider: Exa, Latency: time.Since(start)}
	for _, row := range payload.Results {
		link := strings.TrimSpace(row.URL)
		if link == "" {
			continue
		}
		snippet := row.Text
		if snippet == "" && len(row.Highlights) > 0 {
			snippet = row.Highlights[0]
		}
		score := row.Score
		if score == 0 && len(row.HighlightScores) > 0 {
			score = row.HighlightScores[0]
		}
		id := row.ID
		if id == "" {
			id = link
		}
		title := row.Title
		if title == "" {
			title = "Untitled"
		}
		out.Citations = append(out.Citations, Citation{
			ID:          id,
			Provider:    Exa,
			Title:       title,
			URL:         link,
			Snippet:     snippet,
			PublishedAt: row.PublishedDate,
			Score:       score,
		})
	}
	return out, nil
}

var _ Backend = (*ExaBackend)(nil)
