package bus

// State is the state of a bus controller. The ordinal is sent to observers.
type State uint8

const (
	StateScanning State = iota
	StateReady
	StateTooManyDevices
	StateDuplicateIdentity
	StateMultipleControllers
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateReady:
		return "ready"
	case StateTooManyDevices:
		return "too_many_devices"
	case StateDuplicateIdentity:
		return "duplicate_identity"
	case StateMultipleControllers:
		return "multiple_controllers"
	default:
		return "unknown"
	}
}

// IsError reports whether the state is one of the error states.
func (s State) IsError() bool {
	return s > StateReady
}
