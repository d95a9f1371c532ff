package inormsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal intent normaliser HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id, which the service honours for the shared service token.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ActionPacket is one execution-ready instruction of a plan.
type ActionPacket struct {
	Kind           string         `json:"kind"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Candidate is one option of a choice clarification.
type Candidate struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Score float64        `json:"score,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Question is the clarification embedded in an outcome.
type Question struct {
	ClarificationID    string      `json:"clarification_id"`
	Question           string      `json:"question"`
	ExpectedAnswerType string      `json:"expected_answer_type"`
	Candidates         []Candidate `json:"candidates"`
	Reason             string      `json:"reason,omitempty"`
	ExpiresAt          string      `json:"expires_at,omitempty"`
}

// ErrorBody is the machine-readable error carried by outcomes and error responses.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Execution reports one kernel call.
type Execution struct {
	Status         string `json:"status"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
	ExternalID     string `json:"external_id,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	Message        string `json:"message,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// Outcome is the envelope returned by submissions and answers.
type Outcome struct {
	Status         string         `json:"status"`
	IntentID       string         `json:"intent_id"`
	CorrelationID  string         `json:"correlation_id"`
	ReceiptID      string         `json:"receipt_id"`
	TraceID        string         `json:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Plan           []ActionPacket `json:"plan,omitempty"`
	Resolution     map[string]any `json:"resolution,omitempty"`
	Clarification  *Question      `json:"clarification,omitempty"`
	Error          *ErrorBody     `json:"error,omitempty"`
	Execution      []Execution    `json:"execution,omitempty"`
}

// Intent is the stored intent (partial).
type Intent struct {
	IntentID       string         `json:"intent_id"`
	CorrelationID  string         `json:"correlation_id"`
	Status         string         `json:"status"`
	IntentType     string         `json:"intent_type,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ActorID        string         `json:"actor_id,omitempty"`
	FinalCanonical map[string]any `json:"final_canonical,omitempty"`
	Outcome        map[string]any `json:"outcome,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Clarification is a stored clarification.
type Clarification struct {
	ID                 string      `json:"clarification_id"`
	IntentID           string      `json:"intent_id"`
	Status             string      `json:"status"`
	Question           string      `json:"question"`
	ExpectedAnswerType string      `json:"expected_answer_type"`
	Candidates         []Candidate `json:"candidates"`
	ActorID            string      `json:"actor_id,omitempty"`
	CreatedAt          string      `json:"created_at"`
	ExpiresAt          string      `json:"expires_at"`
}

// Artifact is one audit log row.
type Artifact struct {
	ID             string          `json:"id"`
	IntentID       string          `json:"intent_id"`
	CorrelationID  string          `json:"correlation_id"`
	Kind           string          `json:"kind"`
	Action         *string         `json:"action,omitempty"`
	Status         string          `json:"status"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ArtifactHash   string          `json:"artifact_hash"`
	Artifact       json.RawMessage `json:"artifact"`
	ReceivedAt     string          `json:"received_at"`
}

// Answer is a clarification answer: ChoiceID for choice questions, Text otherwise.
type Answer struct {
	ChoiceID string `json:"choice_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitIntent posts a raw intent packet.
func (c *Client) SubmitIntent(ctx context.Context, packet json.RawMessage) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v1/intents", packet, &resp)
	return resp, err
}

// GetIntent fetches a stored intent.
func (c *Client) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, "v1/intents/"+url.PathEscape(intentID), nil, &resp)
	return resp, err
}

// Artifacts lists an intent's audit trail oldest first.
func (c *Client) Artifacts(ctx context.Context, intentID string) ([]Artifact, error) {
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/intents/%s/artifacts", url.PathEscape(intentID)), nil, &resp)
	return resp.Items, err
}

// LatestByCorrelation returns the newest artifact in a supersede chain.
func (c *Client) LatestByCorrelation(ctx context.Context, correlationID string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/correlations/%s/latest", url.PathEscape(correlationID)), nil, &resp)
	return resp, err
}

// ListClarifications lists clarifications filtered by status and actor.
func (c *Client) ListClarifications(ctx context.Context, status, actorID string) ([]Clarification, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if actorID != "" {
		q.Set("actor_id", actorID)
	}
	endpoint := "v1/clarifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Clarification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetClarification fetches one clarification.
func (c *Client) GetClarification(ctx context.Context, id string) (Clarification, error) {
	var resp Clarification
	err := c.do(ctx, http.MethodGet, "v1/clarifications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AnswerClarification answers a clarification and returns the resumed outcome.
func (c *Client) AnswerClarification(ctx context.Context, id string, answer Answer) (Outcome, error) {
	body := map[string]any{"answer": answer}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/clarifications/%s/answer", url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error ErrorBody `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
