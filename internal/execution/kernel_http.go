package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

// HTTPKernel calls the gateway's task endpoints.
type HTTPKernel struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

var actionPaths = map[string]string{
	domain.ActionCreateTask: "/v1/notion/tasks/create",
	domain.ActionUpdateTask: "/v1/notion/tasks/update",
}

type kernelResponse struct {
	Data struct {
		NotionPageID string `json:"notion_page_id"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call posts req to the endpoint for its action.
func (k *HTTPKernel) Call(ctx context.Context, req Request) (string, error) {
	path, ok := actionPaths[req.Action]
	if !ok {
		return "", &KernelError{Code: "NOT_IMPLEMENTED", Message: fmt.Sprintf("no kernel endpoint for %s", req.Action)}
	}
	if k.HTTPClient == nil {
		timeout := k.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		k.HTTPClient = &http.Client{Timeout: timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(k.BaseURL, "/")+path, &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}
	if k.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+k.Token)
	}
	resp, err := k.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var out kernelResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 {
		ke := &KernelError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if decodeErr == nil && out.Error != nil {
			ke.Code = out.Error.Code
			ke.Message = out.Error.Message
		}
		return "", ke
	}
	if decodeErr != nil {
		return "", &KernelError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode kernel response: %v", decodeErr)}
	}
	if out.Data.NotionPageID == "" {
		return "", &KernelError{StatusCode: resp.StatusCode, Message: "kernel response has no notion_page_id"}
	}
	return out.Data.NotionPageID, nil
}
