package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig          = errors.New("configuration error")
	ErrInvalidAction   = errors.New("invalid action")
	ErrUnknownCategory = errors.New("unknown device category")
	ErrNotFound        = errors.New("not found")
)
