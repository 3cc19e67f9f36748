package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/vm"
)

func testWorld() *World {
	return &World{
		Version: StateVersion,
		SavedAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		Tick:    42,
		Computers: []Computer{
			{
				Name:       "alpha",
				ID:         uuid.NewString(),
				Identities: map[string]string{"builtin:rtc": uuid.NewString()},
				Slots: []Slot{
					{
						Category: "storage",
						Slot:     1,
						Item:     devices.Item{ID: uuid.New(), Kind: devices.KindHardDrive, Size: 1024, Data: []byte{1, 2, 3}},
					},
				},
				Machine: vm.State{RunState: uint8(model.RunStateRunning), Booted: true, Guest: []byte{0xa0}},
				Energy:  1500,
				Ticks:   40,
			},
		},
		Nodes: []Node{{Name: "rack", Identities: map[string]string{"block:rack:0:network_card": uuid.NewString()}}},
	}
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()

	ctx := context.Background()
	repos := map[string]Repository{}

	for _, kind := range []string{configuration.StoreKindMemory, configuration.StoreKindFile} {
		config := configuration.New()
		config.Store.Kind = kind
		config.Store.Path = filepath.Join(t.TempDir(), "state", "world.cbor")

		repo, err := NewRepository(ctx, config)
		require.Nil(t, err)

		repos[kind] = repo
	}

	return repos
}

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()

	for kind, repo := range repositories(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := repo.Load(ctx)
			assert.ErrorIs(t, err, model.ErrNotFound)

			want := testWorld()
			require.Nil(t, repo.Save(ctx, want))

			got, err := repo.Load(ctx)
			require.Nil(t, err)

			assert.True(t, want.SavedAt.Equal(got.SavedAt))
			assert.Equal(t, want.Tick, got.Tick)
			assert.Equal(t, want.Computers, got.Computers)
			assert.Equal(t, want.Nodes, got.Nodes)

			c, ok := got.Computer("alpha")
			require.True(t, ok)
			assert.Equal(t, []byte{1, 2, 3}, c.Slots[0].Item.Data)

			_, ok = got.Node("rack")
			assert.True(t, ok)

			require.Nil(t, repo.Clear(ctx))
			_, err = repo.Load(ctx)
			assert.ErrorIs(t, err, model.ErrNotFound)

			// clearing twice is fine
			assert.Nil(t, repo.Clear(ctx))
		})
	}
}

func TestRepositoryDoesNotAlias(t *testing.T) {
	ctx := context.Background()

	for kind, repo := range repositories(t) {
		t.Run(kind, func(t *testing.T) {
			world := testWorld()
			require.Nil(t, repo.Save(ctx, world))

			world.Computers[0].Energy = 0
			world.Computers[0].Slots[0].Item.Data[0] = 9

			got, err := repo.Load(ctx)
			require.Nil(t, err)
			assert.Equal(t, int64(1500), got.Computers[0].Energy)
			assert.Equal(t, byte(1), got.Computers[0].Slots[0].Item.Data[0])

			got.Tick = 0

			again, err := repo.Load(ctx)
			require.Nil(t, err)
			assert.Equal(t, uint64(42), again.Tick)
		})
	}
}

func TestNewRepositoryUnknownKind(t *testing.T) {
	config := configuration.New()
	config.Store.Kind = "etcd"

	_, err := NewRepository(context.Background(), config)
	assert.ErrorIs(t, err, model.ErrConfig)
}
