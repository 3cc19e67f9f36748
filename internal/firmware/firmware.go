// Package firmware fetches flash images for items that reference a remote
// source instead of carrying the image themselves.
package firmware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/devices"
)

var (
	ErrFetch    = errors.New("error fetching firmware image")
	ErrTooLarge = errors.New("firmware image exceeds maximum size")
	ErrStatus   = errors.New("unexpected response status")
)

// Fetcher downloads firmware images with retries.
type Fetcher struct {
	client  *retryablehttp.Client
	maxSize int64
	logger  *logrus.Entry
}

// Option tweaks the underlying client, mostly for tests.
type Option func(*retryablehttp.Client)

// WithRetryWait bounds the backoff between attempts.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = minWait
		c.RetryWaitMax = maxWait
	}
}

func NewFetcher(cfg *configuration.FirmwareConfig, logger *logrus.Entry, opts ...Option) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = &leveledLogger{logger: logger}

	for _, opt := range opts {
		opt(client)
	}

	return &Fetcher{client: client, maxSize: cfg.MaxSize, logger: logger}
}

// Fetch returns the image at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrStatus, fmt.Sprintf("%s: %d", url, resp.StatusCode))
	}

	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		return nil, errors.Wrap(ErrTooLarge, fmt.Sprintf("%d > %d", resp.ContentLength, f.maxSize))
	}

	var body io.Reader = resp.Body
	if f.maxSize > 0 {
		// one extra byte tells a body of exactly maxSize from a larger one
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(ErrFetch, err.Error())
	}

	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, errors.Wrap(ErrTooLarge, fmt.Sprintf("> %d", f.maxSize))
	}

	return data, nil
}

// Populate fills in the image of a flash item that has a source but no data
// yet. Items that already carry data are left alone.
func (f *Fetcher) Populate(ctx context.Context, item *devices.Item) error {
	if item == nil || item.Kind != devices.KindFlash || item.Source == "" || len(item.Data) > 0 {
		return nil
	}

	data, err := f.Fetch(ctx, item.Source)
	if err != nil {
		return err
	}

	item.Data = data

	f.logger.WithFields(logrus.Fields{
		"item":   item.ID.String(),
		"source": item.Source,
		"bytes":  len(data),
	}).Info("firmware image fetched")

	return nil
}

// leveledLogger routes retryablehttp logging into logrus.
type leveledLogger struct {
	logger *logrus.Entry
}

func (l *leveledLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}

	return l.logger.WithFields(fields)
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
