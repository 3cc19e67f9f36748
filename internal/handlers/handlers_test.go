package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/computer"
	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/devices"
	"github.com/metal-toolbox/vmbus/internal/firmware"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/store"
	"github.com/metal-toolbox/vmbus/internal/topology"
	"github.com/metal-toolbox/vmbus/internal/vm"
	"github.com/metal-toolbox/vmbus/internal/world"
)

const doc = `
computers:
  - name: alpha
    items:
      - kind: memory
        slot: 0
`

func newTestHandler(t *testing.T) (*HandlerFactory, store.Repository) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	topo, err := topology.Parse([]byte(doc))
	require.Nil(t, err)

	w, err := world.New(configuration.New(), nil, nil, logrus.NewEntry(logger))
	require.Nil(t, err)
	require.Nil(t, w.Build(context.Background(), topo, nil))

	repository, err := store.NewRepository(context.Background(), configuration.New())
	require.Nil(t, err)

	return NewHandlerFactory(w, repository, nil), repository
}

func run(t *testing.T, h *HandlerFactory, line string) (any, error) {
	t.Helper()

	cmd, err := ParseCommand(line)
	require.Nil(t, err)

	return h.Handle(context.Background(), cmd)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("  INSERT alpha hard_drive 1 0x2000 ")
	require.Nil(t, err)
	assert.Equal(t, ActionInsert, cmd.Action)
	assert.Equal(t, []string{"alpha", "hard_drive", "1", "0x2000"}, cmd.Args)

	_, err = ParseCommand("   ")
	assert.ErrorIs(t, err, ErrArguments)
}

func TestHandleLifecycle(t *testing.T) {
	h, repository := newTestHandler(t)

	_, err := run(t, h, "start alpha")
	require.Nil(t, err)

	out, err := run(t, h, "tick 2")
	require.Nil(t, err)
	assert.Equal(t, map[string]uint64{"tick": 2}, out)

	out, err = run(t, h, "status alpha")
	require.Nil(t, err)
	assert.Equal(t, "running", out.(*computer.Status).RunState)

	out, err = run(t, h, "insert alpha hard_drive 1 0x2000")
	require.Nil(t, err)
	assert.Equal(t, uint64(0x2000), out.(*devices.Item).Size)

	out, err = run(t, h, "describe alpha")
	require.Nil(t, err)

	descriptors := out.([]vm.Descriptor)
	require.NotEmpty(t, descriptors)

	out, err = run(t, h, "invoke alpha "+descriptors[0].Identity.String()+" getTicks")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), out)

	out, err = run(t, h, "remove alpha storage 1")
	require.Nil(t, err)
	assert.Equal(t, devices.KindHardDrive, out.(*devices.Item).Kind)

	out, err = run(t, h, "charge alpha 5")
	require.Nil(t, err)
	assert.Equal(t, int64(5), out.(map[string]int64)["accepted"])

	out, err = run(t, h, "terminal alpha")
	require.Nil(t, err)
	assert.Contains(t, out, "booted")

	_, err = run(t, h, "unload alpha")
	require.Nil(t, err)

	_, err = run(t, h, "start alpha")
	assert.ErrorIs(t, err, computer.ErrUnloaded)

	_, err = run(t, h, "load alpha")
	require.Nil(t, err)

	_, err = run(t, h, "save")
	require.Nil(t, err)

	saved, err := repository.Load(context.Background())
	require.Nil(t, err)
	assert.Equal(t, uint64(2), saved.Tick)

	_, err = run(t, h, "stop alpha")
	require.Nil(t, err)

	out, err = run(t, h, "status")
	require.Nil(t, err)
	assert.Equal(t, "stopped", out.([]*computer.Status)[0].RunState)
}

func TestHandleErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := []struct {
		line string
		err  error
	}{
		{"fly alpha", model.ErrInvalidAction},
		{"start", ErrArguments},
		{"insert alpha memory", ErrArguments},
		{"insert alpha memory one", ErrArguments},
		{"remove alpha toaster 0", ErrArguments},
		{"charge alpha lots", ErrArguments},
		{"invoke alpha not-a-uuid getTicks", ErrArguments},
		{"tick many", ErrArguments},
		{"insert alpha hard_drive 1 0x4000000000000000", devices.ErrArgument},
		{"start gamma", model.ErrNotFound},
		{"status gamma", model.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			_, err := run(t, h, tc.line)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestInsertFetchesFirmwareOutsideTickLock(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		_, _ = w.Write([]byte("image"))
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	topo, err := topology.Parse([]byte(doc))
	require.Nil(t, err)

	fetcher := firmware.NewFetcher(&configuration.FirmwareConfig{
		Timeout: 5 * time.Second,
		MaxSize: 1 << 20,
	}, entry)

	w, err := world.New(configuration.New(), nil, fetcher, entry)
	require.Nil(t, err)
	require.Nil(t, w.Build(context.Background(), topo, nil))

	mu := &sync.Mutex{}
	h := NewHandlerFactory(w, nil, mu)

	type result struct {
		out any
		err error
	}

	done := make(chan result, 1)

	go func() {
		cmd, err := ParseCommand("insert alpha flash 0 0 " + server.URL)
		if err != nil {
			done <- result{err: err}
			return
		}

		out, err := h.Handle(context.Background(), cmd)
		done <- result{out: out, err: err}
	}()

	<-started

	// the world keeps ticking while the image is downloaded
	for i := 0; i < 3; i++ {
		require.True(t, mu.TryLock())
		w.Tick(context.Background())
		mu.Unlock()
	}

	assert.Equal(t, uint64(3), w.Ticks())

	close(release)

	res := <-done
	require.Nil(t, res.err)
	assert.Equal(t, []byte("image"), res.out.(*devices.Item).Data)

	c, err := w.Computer("alpha")
	require.Nil(t, err)

	_, ok := c.Inventory().Get(model.CategoryFlash, 0)
	assert.True(t, ok)
}
