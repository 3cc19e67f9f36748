package devices

import (
	"github.com/metal-toolbox/vmbus/internal/device"
	"github.com/metal-toolbox/vmbus/internal/model"
)

// TicksPerDay is the length of a day as reported by the real-time clock.
const TicksPerDay = 24000

// RealTimeClock reports host time measured in ticks.
type RealTimeClock struct {
	clock func() uint64
}

func NewRealTimeClock(clock func() uint64) *RealTimeClock {
	return &RealTimeClock{clock: clock}
}

func (r *RealTimeClock) Category() model.Category {
	return model.CategoryOther
}

func (r *RealTimeClock) TypeNames() []string {
	return []string{"rtc"}
}

func (r *RealTimeClock) Methods() []device.Method {
	return []device.Method{
		{
			Name:        "getTicks",
			Description: "ticks elapsed since the host was created",
			Invoke: func(_ []any) (any, error) {
				return r.clock(), nil
			},
		},
		{
			Name:        "getTimeOfDay",
			Description: "ticks elapsed in the current day",
			Invoke: func(_ []any) (any, error) {
				return r.clock() % TicksPerDay, nil
			},
		},
	}
}

// EnergySensor reports the host's energy pool.
type EnergySensor struct {
	read func() (stored, capacity int64)
}

func NewEnergySensor(read func() (stored, capacity int64)) *EnergySensor {
	return &EnergySensor{read: read}
}

func (e *EnergySensor) Category() model.Category {
	return model.CategoryOther
}

func (e *EnergySensor) TypeNames() []string {
	return []string{"energy_storage"}
}

func (e *EnergySensor) Methods() []device.Method {
	return []device.Method{
		{
			Name: "getEnergyStored",
			Invoke: func(_ []any) (any, error) {
				stored, _ := e.read()
				return stored, nil
			},
		},
		{
			Name: "getMaxEnergyStored",
			Invoke: func(_ []any) (any, error) {
				_, capacity := e.read()
				return capacity, nil
			},
		},
	}
}
