package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Snippet is one ranked piece of context returned by the knowledge lookup
// service.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Client talks to the external knowledge lookup service. The service is a
// black box: POST /query with a query string, ranked snippets back.
type Client struct {
	baseURL string
	limit   int
	http    *http.Client
}

// NewClient builds a client for the lookup service at baseURL.
func NewClient(baseURL string, timeout time.Duration, limit int) *Client {
	if limit <= 0 {
		limit = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   limit,
		http:    &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type queryResponse struct {
	Snippets []Snippet `json:"snippets"`
}

// Query returns ranked snippets for q.
func (c *Client) Query(ctx context.Context, q string) ([]Snippet, error) {
	payload, err := json.Marshal(queryRequest{Query: q, Limit: c.limit})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("retrieval service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return out.Snippets, nil
}

// Retrieve satisfies the conversation driver's retriever seam, returning
// snippet texts in rank order.
func (c *Client) Retrieve(ctx context.Context, q string) ([]string, error) {
	snippets, err := c.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
	}
	return texts, nil
}
