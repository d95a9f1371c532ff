// Package execution forwards ready action packets to the execution kernel.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

// Outcome statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Outcome is the result of forwarding one action packet.
type Outcome struct {
	Status         string `json:"status"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
	ExternalID     string `json:"external_id,omitempty"`
	StatusCode     int    `json:"status_code,omitempty"`
	Message        string `json:"message,omitempty"`
	// Replayed is true when the result came from the artifact log.
	Replayed bool `json:"replayed,omitempty"`
}

// Request is what the kernel receives for one action.
type Request struct {
	Action         string         `json:"-"`
	RequestID      string         `json:"request_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Actor          string         `json:"actor"`
	Payload        map[string]any `json:"payload"`
}

// Kernel performs the downstream create or update call and returns the
// external identifier.
type Kernel interface {
	Call(ctx context.Context, req Request) (string, error)
}

// KernelError is a non-2xx kernel response.
type KernelError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Recorder persists execution results in the artifact log for one intent.
type Recorder interface {
	// Executed returns the stored success for key, if any.
	Executed(ctx context.Context, key string) (Outcome, bool, error)
	// Succeeded records a success and returns the stored outcome, which
	// differs from out when a concurrent writer got there first.
	Succeeded(ctx context.Context, packet domain.ActionPacket, out Outcome) (Outcome, error)
	Failed(ctx context.Context, packet domain.ActionPacket, out Outcome) error
}

// Adapter calls the kernel at most once per idempotency key.
type Adapter struct {
	Enabled bool
	Kernel  Kernel
	Timeout time.Duration
	Logger  *zap.Logger
}

// Execute forwards packet unless the artifact log already holds a success for
// its key. Failures are recorded before they are returned as EXECUTION_FAILED.
func (a *Adapter) Execute(ctx context.Context, rec Recorder, packet domain.ActionPacket, requestID, actor string) (Outcome, error) {
	if !a.Enabled || a.Kernel == nil {
		return Outcome{}, apperr.New(apperr.CodeInvalidState, "execution is disabled")
	}
	if prior, ok, err := rec.Executed(ctx, packet.IdempotencyKey); err != nil {
		return Outcome{}, fmt.Errorf("check executed artifact: %w", err)
	} else if ok {
		prior.Replayed = true
		return prior, nil
	}

	callCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	externalID, err := a.Kernel.Call(callCtx, Request{
		Action:         packet.Action,
		RequestID:      requestID,
		IdempotencyKey: packet.IdempotencyKey,
		Actor:          actor,
		Payload:        packet.Payload,
	})
	if err != nil {
		out := failure(packet, err)
		a.logger().Warn("execution failed",
			zap.String("action", packet.Action),
			zap.String("idempotency_key", packet.IdempotencyKey),
			zap.Int("status_code", out.StatusCode),
			zap.Error(err))
		if recErr := rec.Failed(ctx, packet, out); recErr != nil {
			return Outcome{}, fmt.Errorf("record execution failure: %w", recErr)
		}
		return out, &apperr.Error{
			Code:    apperr.CodeExecutionFailed,
			Message: out.Message,
			Details: map[string]any{"status_code": out.StatusCode, "action": packet.Action},
			Cause:   err,
		}
	}

	out := Outcome{
		Status:         StatusSucceeded,
		Action:         packet.Action,
		IdempotencyKey: packet.IdempotencyKey,
		ExternalID:     externalID,
	}
	stored, err := rec.Succeeded(ctx, packet, out)
	if err != nil {
		return Outcome{}, fmt.Errorf("record execution: %w", err)
	}
	return stored, nil
}

func failure(packet domain.ActionPacket, err error) Outcome {
	out := Outcome{
		Status:         StatusFailed,
		Action:         packet.Action,
		IdempotencyKey: packet.IdempotencyKey,
		Message:        err.Error(),
	}
	var ke *KernelError
	switch {
	case errors.As(err, &ke):
		out.StatusCode = ke.StatusCode
		if ke.Message != "" {
			out.Message = ke.Message
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.Message = "execution kernel timed out"
	}
	return out
}

func (a *Adapter) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}
