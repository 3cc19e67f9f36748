// Package file stores a single CBOR encoded value on disk.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/model"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}

	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create state CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}

	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create state CBOR decoder mode: %v", err))
	}
}

// Store persists a value of type T to path. Saves go through a temporary
// file so a crash never leaves a truncated state file behind.
type Store[T any] struct {
	path string
}

func New[T any](path string) *Store[T] {
	return &Store[T]{path: path}
}

func (s *Store[T]) Path() string {
	return s.path
}

func (s *Store[T]) Load(_ context.Context) (*T, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, model.ErrNotFound
	}

	if err != nil {
		return nil, errors.Wrap(ErrRead, err.Error())
	}

	value := new(T)
	if err := decMode.Unmarshal(data, value); err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}

	return value, nil
}

func (s *Store[T]) Save(_ context.Context, value *T) error {
	data, err := encMode.Marshal(value)
	if err != nil {
		return errors.Wrap(ErrEncode, err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}

	tmp := s.path + tmpSuffix
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(ErrWrite, err.Error())
	}

	return nil
}

func (s *Store[T]) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrWrite, err.Error())
	}

	return nil
}
