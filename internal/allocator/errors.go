package allocator

import (
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/model"
)

var (
	ErrSlotOutOfRange   = errors.New("slot out of range")
	ErrSlotOccupied     = errors.New("slot is occupied")
	ErrCategoryMismatch = errors.New("item category does not match slot group")
	ErrNoGroup          = errors.New("no slot group for category")
)

// ErrLayout wraps model.ErrConfig with a layout specific reason.
func ErrLayout(reason string) error {
	return errors.Wrap(model.ErrConfig, "layout: "+reason)
}
