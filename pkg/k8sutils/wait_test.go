// Copyright © 2025 The mtv-e2e authors

package k8sutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func TestDeleteAndWait(t *testing.T) {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "creds", Namespace: "mtv-target"}}
	cli := fake.NewClientBuilder().WithScheme(NewScheme()).WithObjects(secret).Build()

	poll := Poll{Interval: time.Millisecond, Timeout: time.Second}
	require.NoError(t, DeleteAndWait(context.Background(), cli, secret.DeepCopy(), poll))

	gone, err := Gone(context.Background(), cli, secret.DeepCopy())
	require.NoError(t, err)
	assert.True(t, gone)

	// Deleting again is a no-op.
	require.NoError(t, DeleteAndWait(context.Background(), cli, secret.DeepCopy(), poll))
}

func TestUntilTimeout(t *testing.T) {
	poll := Poll{Interval: time.Millisecond, Timeout: 10 * time.Millisecond}
	err := poll.Until(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
