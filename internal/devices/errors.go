package devices

import "github.com/pkg/errors"

var (
	ErrOutOfRange    = errors.New("access out of range")
	ErrReadOnly      = errors.New("region is read only")
	ErrArgument      = errors.New("invalid argument")
	ErrNotMounted    = errors.New("device not mounted")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrQueueOverflow = errors.New("receive queue full")
)
