// Copyright © 2025 The mtv-e2e authors

package uploader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUploaderRunsUntilStopped(t *testing.T) {
	var count atomic.Int64
	u := New(func(ctx context.Context) error {
		count.Add(1)
		return nil
	}, Options{Interval: 10 * time.Millisecond, Log: zap.NewNop().Sugar()})

	require.NoError(t, u.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, u.Stop())

	stopped := count.Load()
	assert.GreaterOrEqual(t, stopped, int64(2), "first upload is immediate, then one per tick")
	assert.EqualValues(t, stopped, u.Uploads())

	// Joined: nothing keeps mutating after Stop returned.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())
}

func TestUploaderStopIsReentrant(t *testing.T) {
	u := New(func(ctx context.Context) error { return nil },
		Options{Interval: 10 * time.Millisecond, Log: zap.NewNop().Sugar()})

	require.NoError(t, u.Stop(), "stop before start is a no-op")
	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, u.Stop())
	require.NoError(t, u.Stop())
}

func TestUploaderRejectsDoubleStart(t *testing.T) {
	u := New(func(ctx context.Context) error { return nil },
		Options{Interval: 10 * time.Millisecond, Log: zap.NewNop().Sugar()})

	require.NoError(t, u.Start(context.Background()))
	assert.Error(t, u.Start(context.Background()))
	require.NoError(t, u.Stop())
}

func TestUploaderReportsLastError(t *testing.T) {
	u := New(func(ctx context.Context) error { return errors.New("ssh: connection reset") },
		Options{Interval: 10 * time.Millisecond, Log: zap.NewNop().Sugar()})

	require.NoError(t, u.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	err := u.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, u.Uploads())
}

func TestUploaderHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count atomic.Int64
	u := New(func(ctx context.Context) error {
		count.Add(1)
		return nil
	}, Options{Interval: 10 * time.Millisecond, Log: zap.NewNop().Sugar()})

	require.NoError(t, u.Start(ctx))
	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "context cancel ends the loop")
	require.NoError(t, u.Stop())
}
