// Copyright © 2025 The mtv-e2e authors

package k8sutils

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Poll bounds a synchronous wait: check every Interval, give up after Timeout.
type Poll struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPoll is used wherever a caller does not care to tune the cadence.
var DefaultPoll = Poll{Interval: time.Second, Timeout: 10 * time.Minute}

// Until polls fn until it reports done, the timeout elapses or the context is
// canceled. fn errors abort the wait immediately.
func (p Poll) Until(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	return wait.PollUntilContextTimeout(ctx, p.Interval, p.Timeout, true, fn)
}

// IsTimeout reports whether an error returned from Until means the condition
// was never reached, as opposed to the probe itself failing.
func IsTimeout(err error) bool {
	return wait.Interrupted(err)
}

// DeleteAndWait removes obj and blocks until the API server stops returning
// it. Deleting an absent object is success, the suite's teardown relies on
// being re-runnable.
func DeleteAndWait(ctx context.Context, cli client.Client, obj client.Object, poll Poll) error {
	if err := cli.Delete(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	key := client.ObjectKeyFromObject(obj)
	return poll.Until(ctx, func(ctx context.Context) (bool, error) {
		err := cli.Get(ctx, key, obj)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

// Gone reports whether obj no longer exists.
func Gone(ctx context.Context, cli client.Client, obj client.Object) (bool, error) {
	err := cli.Get(ctx, client.ObjectKeyFromObject(obj), obj)
	if apierrors.IsNotFound(err) {
		return true, nil
	}
	return false, err
}
