// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package queue

import "time"

// Mean end-to-end durations per task kind, measured from production traces.
// They only feed the wait estimate shown to callers, so coarse is fine.
var meanDurations = map[string]time.Duration{
	KindVideoGenerate:   90 * time.Second,
	KindFashionGenerate: 180 * time.Second,
	KindTryOn:           60 * time.Second,
}

const defaultMeanDuration = 90 * time.Second

// EstimateWait predicts how long a job at the given 1-based queue position
// will wait before a worker picks it up. The job at the front waits zero.
func EstimateWait(position int, kind string) time.Duration {
	if position <= 1 {
		return 0
	}
	mean, ok := meanDurations[kind]
	if !ok {
		mean = defaultMeanDuration
	}
	return time.Duration(position-1) * mean
}
