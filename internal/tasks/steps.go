package tasks

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/topology"
)

const itemsKey = "items"

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName, state, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  state,
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"step", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// Run will execute the code to accomplish this step
	Run(ctx context.Context, target Target, data sharedData) (string, error)
}

// Fetcher fills in remote firmware images.
type Fetcher interface {
	Populate(ctx context.Context, item *devices.Item) error
}

type placed struct {
	item *devices.Item
	slot int
}

type loadItemsStep []topology.ItemSpec

// loadItemsStep copies the described items into sharedData for the steps
// after it.
func (s loadItemsStep) Name() string {
	return "LoadItems"
}

func (s loadItemsStep) Run(_ context.Context, _ Target, data sharedData) (string, error) {
	items := make([]placed, 0, len(s))

	for i := range s {
		item := s[i].Item
		items = append(items, placed{item: &item, slot: s[i].Slot})
	}

	data[itemsKey] = items

	return fmt.Sprintf("%d items described", len(items)), nil
}

func itemsFrom(data sharedData) ([]placed, error) {
	items, ok := data[itemsKey].([]placed)
	if !ok {
		return nil, errors.New("missing items")
	}

	return items, nil
}

type fetchFirmwareStep struct {
	name    string
	fetcher Fetcher
}

// FetchFirmwareStep downloads the images of flash items that only name a
// source.
func FetchFirmwareStep(fetcher Fetcher) Step {
	return &fetchFirmwareStep{
		name:    "FetchFirmware",
		fetcher: fetcher,
	}
}

func (t *fetchFirmwareStep) Name() string {
	return t.name
}

func (t *fetchFirmwareStep) Run(ctx context.Context, _ Target, data sharedData) (string, error) {
	items, err := itemsFrom(data)
	if err != nil {
		return "Items unknown", err
	}

	fetched := 0

	for _, p := range items {
		if p.item.Source == "" || len(p.item.Data) > 0 {
			continue
		}

		if t.fetcher == nil {
			return "No firmware fetcher", errors.New("firmware source set without a fetcher: " + p.item.Source)
		}

		if err := t.fetcher.Populate(ctx, p.item); err != nil {
			return "Failed to fetch firmware for " + p.item.String(), err
		}

		fetched++
	}

	return fmt.Sprintf("%d firmware images fetched", fetched), nil
}

type insertItemsStep struct {
	name string
}

// InsertItemsStep puts every item into its slot.
func InsertItemsStep() Step {
	return &insertItemsStep{
		name: "InsertItems",
	}
}

func (t *insertItemsStep) Name() string {
	return t.name
}

func (t *insertItemsStep) Run(_ context.Context, target Target, data sharedData) (string, error) {
	items, err := itemsFrom(data)
	if err != nil {
		return "Items unknown", err
	}

	for _, p := range items {
		if err := target.Insert(p.item, p.slot); err != nil {
			return "Failed to insert " + p.item.String(), err
		}
	}

	return fmt.Sprintf("%d items inserted", len(items)), nil
}

type startMachineStep struct {
	name string
}

// StartMachineStep starts the machine; it runs once every device mounts.
func StartMachineStep() Step {
	return &startMachineStep{
		name: "StartMachine",
	}
}

func (t *startMachineStep) Name() string {
	return t.name
}

func (t *startMachineStep) Run(ctx context.Context, target Target, _ sharedData) (string, error) {
	if err := target.Start(ctx); err != nil {
		return "Failed to start machine", err
	}

	return "Machine loading", nil
}
