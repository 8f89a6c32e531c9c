// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardBoundsConcurrency(t *testing.T) {
	g := NewConcurrencyGuard(3)

	for i := 0; i < 3; i++ {
		require.True(t, g.TryAcquire())
	}
	assert.False(t, g.TryAcquire())
	assert.Equal(t, int64(3), g.Active())

	g.Release()
	assert.Equal(t, int64(2), g.Active())
	assert.True(t, g.TryAcquire())
}

func TestGuardReleaseFloorsAtZero(t *testing.T) {
	g := NewConcurrencyGuard(2)

	// releasing without holding a slot must not mint extra capacity
	g.Release()
	g.Release()
	assert.Zero(t, g.Active())

	require.True(t, g.TryAcquire())
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
}

func TestGuardLimit(t *testing.T) {
	g := NewConcurrencyGuard(5)
	assert.Equal(t, int64(5), g.Limit())
}
