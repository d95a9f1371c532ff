package resolve

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

// HTTPLookup queries the context service's entity search endpoint.
type HTTPLookup struct {
	BaseURL    string
	Token      string
	Limit      int
	HTTPClient *http.Client
	Timeout    time.Duration
}

// LookupError wraps non-2xx responses from the context service.
type LookupError struct {
	StatusCode int
	Body       string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup error: status=%d body=%s", e.StatusCode, e.Body)
}

type searchRequest struct {
	Query      string `json:"query"`
	EntityType string `json:"entity_type"`
	Limit      int    `json:"limit"`
}

type searchHit struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Name       string         `json:"name"`
	Score      *float64       `json:"score"`
	Confidence *float64       `json:"confidence"`
	Active     *bool          `json:"active"`
	Meta       map[string]any `json:"meta"`
}

type searchResponse struct {
	Results    []searchHit `json:"results"`
	Candidates []searchHit `json:"candidates"`
}

// Search posts the query and normalizes the hits. Hits without an explicit
// active flag are treated as active.
func (l *HTTPLookup) Search(ctx context.Context, query string, entityType EntityType) ([]Match, error) {
	if l.HTTPClient == nil {
		timeout := l.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		l.HTTPClient = &http.Client{Timeout: timeout}
	}
	limit := l.Limit
	if limit <= 0 {
		limit = 5
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchRequest{Query: query, EntityType: string(entityType), Limit: limit}); err != nil {
		return nil, err
	}
	url := strings.TrimRight(l.BaseURL, "/") + "/v1/entities/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &LookupError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	hits := out.Results
	if len(hits) == 0 {
		hits = out.Candidates
	}
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		m := Match{ID: h.ID, Label: h.Label, Active: true, Meta: h.Meta}
		if m.Label == "" {
			m.Label = h.Name
		}
		switch {
		case h.Score != nil:
			m.Score = *h.Score
		case h.Confidence != nil:
			m.Score = *h.Confidence
		}
		if h.Active != nil {
			m.Active = *h.Active
		}
		matches = append(matches, m)
	}
	return matches, nil
}
