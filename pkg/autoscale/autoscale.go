// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package autoscale computes the desired worker replica count from queue
// depth. The calculation is a pure function; smoothing and hysteresis are
// the caller's problem.
package autoscale

// Reasons attached to a Decision.
const (
	ReasonIdle      = "idle"
	ReasonNominal   = "nominal"
	ReasonScalingUp = "scaling_up"
	ReasonAtMax     = "at_max"
)

const (
	defaultMin    = 1
	defaultMax    = 8
	defaultTarget = 5
)

// Decision is the autoscaler output for one evaluation.
type Decision struct {
	DesiredWorkers int    `json:"desired_workers"`
	Pending        int64  `json:"pending"`
	InFlight       int64  `json:"in_flight"`
	Load           int64  `json:"load"`
	Reason         string `json:"reason"`
}

// Calculator maps queue load to a replica count between Min and Max,
// targeting Target jobs per replica.
type Calculator struct {
	min    int
	max    int
	target int
}

// New builds a Calculator. Out-of-range arguments fall back to defaults.
func New(min, max, target int) *Calculator {
	if min <= 0 {
		min = defaultMin
	}
	if max < min {
		max = defaultMax
	}
	if target <= 0 {
		target = defaultTarget
	}
	return &Calculator{min: min, max: max, target: target}
}

// Evaluate returns the desired replica count for the given queue depths.
func (c *Calculator) Evaluate(pending, inFlight int64) Decision {
	load := pending + inFlight
	d := Decision{Pending: pending, InFlight: inFlight, Load: load}

	if load == 0 {
		d.DesiredWorkers = c.min
		d.Reason = ReasonIdle
		return d
	}

	desired := int((load + int64(c.target) - 1) / int64(c.target))
	if desired < c.min {
		desired = c.min
	}
	if desired >= c.max {
		desired = c.max
		d.Reason = ReasonAtMax
	} else if desired > c.min {
		d.Reason = ReasonScalingUp
	} else {
		d.Reason = ReasonNominal
	}
	d.DesiredWorkers = desired
	return d
}

// Min returns the lower replica bound.
func (c *Calculator) Min() int { return c.min }

// Max returns the upper replica bound.
func (c *Calculator) Max() int { return c.max }
