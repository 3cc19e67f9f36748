package tasks

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/publish"
	"github.com/metal-toolbox/vmbus/internal/topology"
)

// Task and step states.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

var (
	pkgName = "internal/tasks"

	ErrTaskPanic = errors.New("Task fatal error, check logs for details")
)

// sharedData is handed from step to step.
type sharedData map[string]interface{}

// TaskStatus has status about a task, and it's steps.
type TaskStatus struct {
	Task       string        `json:"task"`
	Computer   string        `json:"computer"`
	Status     string        `json:"status"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Steps      []*StepStatus `json:"steps"`
}

// NewTaskStatus will generate a new task status struct
func NewTaskStatus(taskName, computer, state string) *TaskStatus {
	return &TaskStatus{
		Task:     taskName,
		Computer: computer,
		Status:   state,
	}
}

func (r *TaskStatus) AsLogFields() []any {
	return []any{
		"task", r.Task,
		"computer", r.Computer,
		"status", r.Status,
		"details", r.Details,
		"error", r.Error,
	}
}

func (r *TaskStatus) Marshal() ([]byte, error) {
	respBytes, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response to json")
	}

	return respBytes, nil
}

// Target is the computer a task works on.
type Target interface {
	Name() string
	Insert(item *devices.Item, slot int) error
	Start(ctx context.Context) error
}

// Task is a unit of work on one computer, made of steps run in order.
type Task interface {
	// Name of the task
	Name() string
	// Steps is the multiple units of work that will accomplish this task
	Steps() []Step
}

type provisionTask struct {
	name  string
	steps []Step
}

// NewProvisionTask creates the task bringing a freshly built computer up:
// firmware images are fetched, the items inserted and, if asked for, the
// machine started.
func NewProvisionTask(items []topology.ItemSpec, fetcher Fetcher, start bool) Task {
	steps := []Step{
		loadItemsStep(items),
		FetchFirmwareStep(fetcher),
		InsertItemsStep(),
	}

	if start {
		steps = append(steps, StartMachineStep())
	}

	return &provisionTask{
		name:  "Provision",
		steps: steps,
	}
}

func (j *provisionTask) Name() string {
	return j.name
}

func (j *provisionTask) Steps() []Step {
	return j.steps
}

// TaskRunner Will run the task by executing the individual steps in the task,
// and reports task status using the publisher.
type TaskRunner struct {
	publisher  publish.Publisher
	logger     *logrus.Entry
	task       Task
	taskStatus *TaskStatus
}

// NewTaskRunner creates a TaskRunner to run a specific Task
func NewTaskRunner(publisher publish.Publisher, task Task, logger *logrus.Entry) *TaskRunner {
	return &TaskRunner{
		publisher: publisher,
		logger:    logger,
		task:      task,
	}
}

// Status returns the status of the last run.
func (r *TaskRunner) Status() *TaskStatus {
	return r.taskStatus
}

func (r *TaskRunner) Run(ctx context.Context, target Target) (err error) {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"TaskRunner.Run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task", r.task.Name()),
			attribute.String("computer", target.Name()),
		),
	)
	defer span.End()

	r.taskStatus = NewTaskStatus(r.task.Name(), target.Name(), StatePending)
	r.logger.WithFields(logrus.Fields{
		"computer": target.Name(),
		"task":     r.task.Name(),
	}).Info("Running task")

	data := sharedData{}
	r.initTaskLog()

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(ctx, rec)
		}
	}()

	for stepID, step := range r.task.Steps() {
		r.publishStepUpdate(ctx, stepID, "Running step")

		details, err := step.Run(ctx, target, data)
		if err != nil {
			r.publishFailed(ctx, stepID, details, err)
			return err
		}

		r.publishStepSuccess(ctx, stepID, details)
	}

	r.publishTaskSuccess(ctx)

	return nil
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()
	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), StatePending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(ctx context.Context, rec any) error {
	r.logger.WithFields(logrus.Fields{
		"rec":   rec,
		"stack": string(debug.Stack()),
	}).Error("!!panic occurred while running task")

	r.publishTaskUpdate(ctx, StateFailed, "Panic occurred while running task", ErrTaskPanic)

	return ErrTaskPanic
}

func (r *TaskRunner) publishStepUpdate(ctx context.Context, stepID int, details string) {
	r.taskStatus.ActiveStep = r.task.Steps()[stepID].Name()
	r.publish(ctx, stepID, StateActive, StateActive, details, nil)
}

func (r *TaskRunner) publishStepSuccess(ctx context.Context, stepID int, details string) {
	r.publish(ctx, stepID, StateSucceeded, StateActive, details, nil)
}

func (r *TaskRunner) publishFailed(ctx context.Context, stepID int, details string, err error) {
	r.logger.WithFields(logrus.Fields{"computer": r.taskStatus.Computer}).WithError(err).Error("Task failed")
	r.publish(ctx, stepID, StateFailed, StateFailed, details, err)
}

func (r *TaskRunner) publishTaskSuccess(ctx context.Context) {
	r.taskStatus.ActiveStep = ""
	r.publishTaskUpdate(ctx, StateSucceeded, "Task completed successfully", nil)
}

func (r *TaskRunner) publish(ctx context.Context, stepID int, stepState, taskState, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), stepState, details, err)

	r.logger.WithFields(logrus.Fields{
		"computer": r.taskStatus.Computer,
		"step":     step.Name(),
		"status":   stepState,
	}).Debug(details)

	r.taskStatus.Steps[stepID] = stepStatus

	var taskDetails string
	if err != nil {
		taskDetails = "Task failed at step " + step.Name()
	}

	r.publishTaskUpdate(ctx, taskState, taskDetails, err)
}

func (r *TaskRunner) publishTaskUpdate(ctx context.Context, state, details string, err error) {
	r.taskStatus.Status = state
	r.taskStatus.Details = details

	if err != nil {
		r.taskStatus.Error = err.Error()
	}

	if r.publisher == nil {
		return
	}

	respBytes, err := r.taskStatus.Marshal()
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal task update")
		return
	}

	_ = r.publisher.Publish(ctx, &publish.Event{
		Computer: r.taskStatus.Computer,
		Kind:     publish.KindTask,
		Task:     respBytes,
	})
}
