package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/queue"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/pkg/models"
)

// Task is one unit of asynchronous dispatch work. A task with a queue
// name drains that queue in cycles; without one it is a straight
// dispatch.
type Task struct {
	EndpointID string         `json:"endpoint_id"`
	Funct      string         `json:"funct"`
	Params     map[string]any `json:"params,omitempty"`
	QueueName  string         `json:"queue_name,omitempty"`
	Cycle      int            `json:"cycle,omitempty"`
}

// TasksOptions tunes the task dispatcher.
type TasksOptions struct {
	// MaxMessages bounds one drain batch. Zero falls back to 10.
	MaxMessages int
	// CompletionFunct is dispatched once a drained queue reaches zero.
	// Zero value falls back to "updateSyncTask".
	CompletionFunct string
	// TaskQueueName is the control queue holding resubmitted drain tasks.
	TaskQueueName string
	// ContextProvider supplies the plugin context for dispatched
	// functions. May be nil.
	ContextProvider func() map[string]any
}

// Tasks routes asynchronous trigger records through resolution and remote
// invocation, including the queue-drain cycle.
type Tasks struct {
	resolver        *resolver.Resolver
	invoker         *invoker.Invoker
	queue           queue.Queue
	alerts          queue.AlertPublisher
	maxMessages     int
	completionFunct string
	taskQueueName   string
	provider        func() map[string]any
	logger          zerolog.Logger
}

// NewTasks creates the task dispatcher. alerts may be nil, which disables
// alerting.
func NewTasks(res *resolver.Resolver, inv *invoker.Invoker, q queue.Queue, alerts queue.AlertPublisher, opts TasksOptions) *Tasks {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 10
	}
	if opts.CompletionFunct == "" {
		opts.CompletionFunct = "updateSyncTask"
	}
	if opts.TaskQueueName == "" {
		opts.TaskQueueName = "dispatch:tasks"
	}
	return &Tasks{
		resolver:        res,
		invoker:         inv,
		queue:           q,
		alerts:          alerts,
		maxMessages:     opts.MaxMessages,
		completionFunct: opts.CompletionFunct,
		taskQueueName:   opts.TaskQueueName,
		provider:        opts.ContextProvider,
		logger:          observability.Logger("tasks"),
	}
}

// Dispatch resolves the function for the task route and invokes its
// remote target. The API key rides in params under api_key, falling back
// to the anonymous key.
func (t *Tasks) Dispatch(ctx context.Context, endpointID, funct string, params map[string]any) ([]byte, error) {
	apiKey := event.AnonymousAPIKey
	if k, ok := params["api_key"].(string); ok && k != "" {
		apiKey = k
	}

	settings, descriptor, err := t.resolver.Resolve(ctx, endpointID, apiKey, funct, "")
	if err != nil {
		return nil, err
	}

	var callCtx map[string]any
	if t.provider != nil {
		callCtx = t.provider()
	}
	return t.invoker.InvokeRemote(ctx, descriptor.RemoteTarget, &invoker.Payload{
		ModuleRef: descriptor.Config.ModuleRef,
		ClassName: descriptor.Config.ClassName,
		Funct:     funct,
		Setting:   settings,
		Params:    params,
		Context:   callCtx,
	}, descriptor.Config.FunctType)
}

// HandleTask runs one drain cycle for a queue task, or a straight
// dispatch for a plain one. Queue failures are alerted and swallowed so
// the transport never redelivers a deterministically failing message;
// plain dispatch failures are alerted and re-raised.
func (t *Tasks) HandleTask(ctx context.Context, task *Task) error {
	if task.QueueName == "" {
		if _, err := t.Dispatch(ctx, task.EndpointID, task.Funct, task.Params); err != nil {
			t.alert(ctx, "task dispatch failed: "+task.Funct, err)
			return err
		}
		return nil
	}

	log := t.logger.With().Str("queue", task.QueueName).Int("cycle", task.Cycle).Logger()

	batch, err := t.queue.Receive(ctx, task.QueueName, t.maxMessages)
	if err != nil {
		t.alert(ctx, "queue receive failed: "+task.QueueName, err)
		t.resubmit(ctx, task)
		return nil
	}

	if len(batch) > 0 {
		params := map[string]any{"data": messageMaps(batch)}
		for k, v := range task.Params {
			params[k] = v
		}
		if _, err := t.Dispatch(ctx, task.EndpointID, task.Funct, params); err != nil {
			t.alert(ctx, "queue batch dispatch failed: "+task.QueueName, err)
			t.resubmit(ctx, task)
			return nil
		}
		log.Info().Int("messages", len(batch)).Msg("dispatched queue batch")
	}

	remaining, err := t.queue.TotalCount(ctx, task.QueueName)
	if err != nil {
		t.alert(ctx, "queue count failed: "+task.QueueName, err)
		t.resubmit(ctx, task)
		return nil
	}
	if remaining > 0 {
		next := *task
		next.Cycle++
		t.resubmit(ctx, &next)
		return nil
	}

	if err := t.queue.Delete(ctx, task.QueueName); err != nil {
		log.Warn().Err(err).Msg("failed to delete drained queue")
	}
	if _, err := t.Dispatch(ctx, task.EndpointID, t.completionFunct,
		map[string]any{"id": task.QueueName}); err != nil {
		t.alert(ctx, "completion signal failed: "+task.QueueName, err)
	}
	log.Info().Msg("queue drained")
	return nil
}

// Run pops and executes pending tasks from the control queue until it is
// empty, returning the number of cycles executed.
func (t *Tasks) Run(ctx context.Context) (int, error) {
	cycles := 0
	for {
		batch, err := t.queue.Receive(ctx, t.taskQueueName, 1)
		if err != nil {
			return cycles, err
		}
		if len(batch) == 0 {
			return cycles, nil
		}
		var task Task
		if err := json.Unmarshal([]byte(batch[0].Body), &task); err != nil {
			t.logger.Warn().Err(err).Msg("discarding malformed control task")
			continue
		}
		if err := t.HandleTask(ctx, &task); err != nil {
			return cycles, err
		}
		cycles++
	}
}

// Submit enqueues a task on the control queue.
func (t *Tasks) Submit(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return models.Wrap(models.ErrValidation, "encode task", err)
	}
	return t.queue.Push(ctx, t.taskQueueName, queue.Message{Body: string(raw)})
}

func (t *Tasks) resubmit(ctx context.Context, task *Task) {
	if err := t.Submit(ctx, task); err != nil {
		t.logger.Error().Err(err).Str("queue", task.QueueName).Msg("failed to resubmit drain task")
	}
}

// alert publishes a best-effort failure trace. Losing the alert is
// logged, never propagated.
func (t *Tasks) alert(ctx context.Context, subject string, cause error) {
	t.logger.Error().Err(cause).Msg(subject)
	if t.alerts == nil {
		return
	}
	if err := t.alerts.Publish(ctx, subject, cause.Error()); err != nil {
		t.logger.Warn().Err(err).Msg("alert publish failed")
	}
}

func messageMaps(batch []queue.Message) []map[string]any {
	out := make([]map[string]any, 0, len(batch))
	for _, m := range batch {
		out = append(out, map[string]any{
			"id":         m.ID,
			"body":       m.Body,
			"attributes": m.Attributes,
		})
	}
	return out
}
