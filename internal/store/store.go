package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/store/file"
	"github.com/metal-toolbox/vmbus/internal/store/memory"
)

type Repository interface {
	// Load returns the saved world, model.ErrNotFound when nothing was saved yet.
	Load(ctx context.Context) (*World, error)
	// Save replaces the saved world.
	Save(ctx context.Context, world *World) error
	// Clear removes the saved world.
	Clear(ctx context.Context) error
}

func NewRepository(_ context.Context, config *configuration.Configuration) (Repository, error) {
	switch config.Store.Kind {
	case configuration.StoreKindMemory, "":
		return memory.New[World](), nil
	case configuration.StoreKindFile:
		return file.New[World](config.Store.Path), nil
	default:
		return nil, errors.Wrap(model.ErrConfig, "unknown store kind: "+config.Store.Kind)
	}
}
