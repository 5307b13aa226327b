package invoker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/registry"
)

// Worker executes invocation payloads delivered to this process. Platforms
// may redeliver the same request on retry; the worker remembers the last
// request id and skips an immediate duplicate.
type Worker struct {
	registry *registry.Registry

	mu            sync.Mutex
	lastRequestID string

	logger zerolog.Logger
}

// NewWorker creates a worker over the capability registry.
func NewWorker(reg *registry.Registry) *Worker {
	return &Worker{
		registry: reg,
		logger:   observability.Logger("worker"),
	}
}

// Execute runs the payload's entry point with merged parameters. A payload
// whose request id matches the previous one is skipped and returns nil.
func (w *Worker) Execute(ctx context.Context, payload *Payload) (any, error) {
	if payload.RequestID != "" {
		w.mu.Lock()
		duplicate := payload.RequestID == w.lastRequestID
		if !duplicate {
			w.lastRequestID = payload.RequestID
		}
		w.mu.Unlock()
		if duplicate {
			w.logger.Warn().
				Str("request_id", payload.RequestID).
				Str("funct", payload.Funct).
				Msg("skipping duplicate request")
			return nil, nil
		}
	}

	call, err := w.registry.Resolve(payload.ModuleRef, payload.ClassName, payload.Funct, registry.Args(payload.Setting))
	if err != nil {
		return nil, err
	}
	return call(ctx, mergeParams(payload))
}

// mergeParams folds params, a JSON body, and the propagated context into
// one parameter map, dropping nil and empty-string values. Body keys win
// over params on collision.
func mergeParams(payload *Payload) map[string]any {
	merged := make(map[string]any, len(payload.Params)+2)
	for k, v := range payload.Params {
		if !emptyValue(v) {
			merged[k] = v
		}
	}
	if payload.Body != "" {
		var body map[string]any
		if err := json.Unmarshal([]byte(payload.Body), &body); err == nil {
			for k, v := range body {
				if !emptyValue(v) {
					merged[k] = v
				}
			}
		}
	}
	if len(payload.Context) > 0 {
		merged["context"] = payload.Context
	}
	return merged
}

func emptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
