// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package autoscale

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateTable(t *testing.T) {
	c := New(1, 8, 5)

	cases := []struct {
		pending  int64
		inFlight int64
		want     int
		reason   string
	}{
		{0, 0, 1, ReasonIdle},
		{1, 0, 1, ReasonNominal},
		{5, 0, 1, ReasonNominal},
		{6, 0, 2, ReasonScalingUp},
		{0, 6, 2, ReasonScalingUp},
		{35, 0, 7, ReasonScalingUp},
		{40, 0, 8, ReasonAtMax},
		{41, 0, 8, ReasonAtMax},
		{500, 12, 8, ReasonAtMax},
	}
	for _, tc := range cases {
		d := c.Evaluate(tc.pending, tc.inFlight)
		assert.Equal(t, tc.want, d.DesiredWorkers, "pending=%d inFlight=%d", tc.pending, tc.inFlight)
		assert.Equal(t, tc.reason, d.Reason, "pending=%d inFlight=%d", tc.pending, tc.inFlight)
		assert.Equal(t, tc.pending+tc.inFlight, d.Load)
	}
}

func TestEvaluateMonotonicInLoad(t *testing.T) {
	c := New(1, 8, 5)

	prev := 0
	for load := int64(0); load <= 100; load++ {
		d := c.Evaluate(load, 0)
		assert.GreaterOrEqual(t, d.DesiredWorkers, prev, "load=%d", load)
		assert.GreaterOrEqual(t, d.DesiredWorkers, 1)
		assert.LessOrEqual(t, d.DesiredWorkers, 8)
		prev = d.DesiredWorkers
	}
}

func TestEvaluateExactCapacityBoundary(t *testing.T) {
	c := New(1, 8, 5)

	// MAX * TARGET is the largest load the ceiling maps to MAX without
	// clamping; one more job changes nothing.
	assert.Equal(t, 8, c.Evaluate(40, 0).DesiredWorkers)
	assert.Equal(t, 8, c.Evaluate(41, 0).DesiredWorkers)
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(0, 0, 0)
	assert.Equal(t, 1, c.Min())
	assert.Equal(t, 8, c.Max())

	d := c.Evaluate(0, 0)
	assert.Equal(t, 1, d.DesiredWorkers)
}

func TestCustomBounds(t *testing.T) {
	c := New(2, 4, 10)

	assert.Equal(t, 2, c.Evaluate(0, 0).DesiredWorkers)
	assert.Equal(t, 2, c.Evaluate(1, 0).DesiredWorkers)
	assert.Equal(t, 3, c.Evaluate(25, 0).DesiredWorkers)
	assert.Equal(t, 4, c.Evaluate(400, 0).DesiredWorkers)
}
