// Package memory is an in-process store. Values are deep copied on the way
// in and out so callers never share state with the store.
package memory

import (
	"context"

	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/model"
)

var errCopy = errors.New("memory store copy error")

// Store keeps a single value of type T.
type Store[T any] struct {
	value *T
}

func New[T any]() *Store[T] {
	return &Store[T]{}
}

func (s *Store[T]) Load(_ context.Context) (*T, error) {
	if s.value == nil {
		return nil, model.ErrNotFound
	}

	return deepCopy(s.value)
}

func (s *Store[T]) Save(_ context.Context, value *T) error {
	copied, err := deepCopy(value)
	if err != nil {
		return err
	}

	s.value = copied

	return nil
}

func (s *Store[T]) Clear(_ context.Context) error {
	s.value = nil
	return nil
}

func deepCopy[T any](value *T) (*T, error) {
	out, err := copystructure.Copy(value)
	if err != nil {
		return nil, errors.Wrap(errCopy, err.Error())
	}

	copied, ok := out.(*T)
	if !ok {
		return nil, errors.Wrap(errCopy, "unexpected copy type")
	}

	return copied, nil
}
