// Copyright © 2025 The mtv-e2e authors

// Package uploader keeps mutating a guest file while a warm migration runs,
// so every precopy pass has fresh data to ship. The worker is owned by the
// scenario that starts it: Stop closes the stop channel and joins, nothing
// here outlives its caller.
package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UploadFunc performs one guest file mutation.
type UploadFunc func(ctx context.Context) error

// Options tune the worker.
type Options struct {
	// Interval between mutations.
	Interval time.Duration
	Log      *zap.SugaredLogger
}

// Uploader runs one background goroutine mutating a guest file on a fixed
// cadence until stopped.
type Uploader struct {
	upload   UploadFunc
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	uploads int
	lastErr error
}

func New(upload UploadFunc, opts Options) *Uploader {
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Uploader{
		upload:   upload,
		interval: interval,
		log:      log.Named("uploader"),
	}
}

// Start launches the worker. The first mutation happens immediately, then
// one per interval. The context bounds every mutation and cancels the loop.
func (u *Uploader) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		return errors.New("uploader already started")
	}
	u.stop = make(chan struct{})
	u.wg.Add(1)
	go u.run(ctx)
	return nil
}

func (u *Uploader) run(ctx context.Context) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		if err := u.upload(ctx); err != nil {
			u.record(0, err)
			u.log.Warnf("Guest upload failed: %v", err)
		} else {
			u.record(1, nil)
		}
		select {
		case <-u.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the worker and joins it. It returns the last upload error so a
// data-integrity scenario fails when its writes silently stopped landing.
// Safe to call more than once and before Start.
func (u *Uploader) Stop() error {
	u.mu.Lock()
	if u.stop == nil {
		u.mu.Unlock()
		return nil
	}
	if !u.stopped {
		u.stopped = true
		close(u.stop)
	}
	u.mu.Unlock()

	u.wg.Wait()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.log.Infof("Uploader stopped after %d uploads", u.uploads)
	return u.lastErr
}

// Uploads reports how many mutations landed so far.
func (u *Uploader) Uploads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

func (u *Uploader) record(n int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads += n
	if err != nil {
		u.lastErr = err
	}
}
