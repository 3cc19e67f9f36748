package firmware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/devices"
)

func newTestFetcher(maxSize int64) *Fetcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &configuration.FirmwareConfig{Timeout: time.Second, Retries: 2, MaxSize: maxSize}

	return NewFetcher(cfg, logrus.NewEntry(logger), WithRetryWait(time.Millisecond, 5*time.Millisecond))
}

func TestFetch(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bios.bin":
			_, _ = w.Write([]byte{0xde, 0xad, 0xbe, 0xef})
		case "/flaky.bin":
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			_, _ = w.Write([]byte("ok"))
		case "/big.bin":
			_, _ = w.Write(make([]byte, 64))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(16)
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/bios.bin")
	require.Nil(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)

	data, err = f.Fetch(ctx, srv.URL+"/flaky.bin")
	require.Nil(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int32(2), calls.Load())

	_, err = f.Fetch(ctx, srv.URL+"/big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Fetch(ctx, srv.URL+"/missing.bin")
	assert.ErrorIs(t, err, ErrStatus)
}

func TestPopulate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("image"))
	}))
	defer srv.Close()

	f := newTestFetcher(0)
	ctx := context.Background()

	flash := devices.NewItem(devices.KindFlash, 0)
	flash.Source = srv.URL + "/image"
	require.Nil(t, f.Populate(ctx, flash))
	assert.Equal(t, []byte("image"), flash.Data)

	// data already present is never refetched
	preset := devices.NewItem(devices.KindFlash, 0)
	preset.Source = "http://127.0.0.1:1/unreachable"
	preset.Data = []byte("local")
	require.Nil(t, f.Populate(ctx, preset))
	assert.Equal(t, []byte("local"), preset.Data)

	drive := devices.NewItem(devices.KindHardDrive, 0)
	drive.Source = srv.URL
	require.Nil(t, f.Populate(ctx, drive))
	assert.Empty(t, drive.Data)
}
