package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/pkg/models"
)

// invocationModeHeader carries the requested invocation semantics to the
// worker endpoint.
const invocationModeHeader = "X-Invocation-Type"

// HTTPInvoker posts invocation payloads to worker endpoints over HTTP.
// Targets resolve to {baseURL}/functions/{target}/invocations.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPInvoker creates the remote transport. A zero timeout falls back
// to 30 seconds.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  observability.Logger("http-invoker"),
	}
}

// remoteReply is the worker response document. A populated FunctionError
// marks a handled failure inside the worker.
type remoteReply struct {
	FunctionError string          `json:"function_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Invoke implements Remote. Event mode fires the request and discards the
// reply body; RequestResponse waits and surfaces worker failures; DryRun
// performs no call at all.
func (h *HTTPInvoker) Invoke(ctx context.Context, target string, payload *Payload, mode models.FunctType) ([]byte, error) {
	if mode == models.FunctTypeDryRun {
		h.logger.Info().Str("target", target).Str("funct", payload.Funct).Msg("dry run, skipping remote call")
		return nil, nil
	}

	if payload.RequestID == "" {
		// Workers dedupe redelivered requests by this id.
		payload.RequestID = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.Wrap(models.ErrValidation, "encode invocation payload", err)
	}

	url := fmt.Sprintf("%s/functions/%s/invocations", h.baseURL, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, models.Wrap(models.ErrRemoteInvocation, "build request for "+target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(invocationModeHeader, string(mode))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, models.Wrap(models.ErrRemoteInvocation, "invoke "+target, err)
	}
	defer resp.Body.Close()

	if mode == models.FunctTypeEvent {
		if resp.StatusCode >= 300 {
			return nil, models.Errorf(models.ErrRemoteInvocation,
				"target %s rejected event invocation with status %d", target, resp.StatusCode)
		}
		return nil, nil
	}

	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Wrap(models.ErrRemoteInvocation, "read reply from "+target, err)
	}
	if resp.StatusCode >= 300 {
		return nil, models.Errorf(models.ErrRemoteInvocation,
			"target %s returned status %d: %s", target, resp.StatusCode, string(replyBody))
	}

	var reply remoteReply
	if err := json.Unmarshal(replyBody, &reply); err == nil && reply.FunctionError != "" {
		return nil, models.NewError(models.ErrRemoteInvocation,
			"target "+target+" reported a function error").
			WithDetails("function_error", reply.FunctionError).
			WithDetails("payload", string(reply.Payload))
	}
	return replyBody, nil
}
