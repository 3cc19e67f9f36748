package computer

import (
	"github.com/pkg/errors"
)

var (
	ErrUnloaded    = errors.New("computer is unloaded")
	ErrNoItem      = errors.New("no item in slot")
	ErrUnknownItem = errors.New("no device for item kind")
	ErrState       = errors.New("error restoring computer state")
)
