// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package queue

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Job lifecycle states as recorded in the metadata hash.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_letter"
)

// Task kinds understood by the workers. Unknown kinds are accepted by the
// queue and rejected by the dispatcher.
const (
	KindVideoGenerate   = "video_generate"
	KindVideoExtend     = "video_extend"
	KindFashionGenerate = "fashion_generate"
	KindTryOn           = "try_on"
	KindOutfitTryOn     = "outfit_tryon"
)

// TaskMeta is the metadata hash kept alongside every queued job. It survives
// the job's trip through the pending and processing lists and expires on its
// own once the retention window passes.
type TaskMeta struct {
	JobID               string
	UserID              string
	Kind                string
	Payload             map[string]interface{}
	Status              string
	Retries             int
	EnqueuedAt          time.Time
	ProcessingStartedAt time.Time
	CompletedAt         time.Time
	Error               string
	ProviderTaskID      string
	OutputURL           string
}

func (m *TaskMeta) hashFields() (map[string]interface{}, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "serialize payload")
	}
	return map[string]interface{}{
		"job_id":                m.JobID,
		"user_id":               m.UserID,
		"kind":                  m.Kind,
		"payload":               string(payload),
		"status":                m.Status,
		"retries":               strconv.Itoa(m.Retries),
		"enqueued_at":           formatTime(m.EnqueuedAt),
		"processing_started_at": formatTime(m.ProcessingStartedAt),
		"completed_at":          formatTime(m.CompletedAt),
		"error":                 m.Error,
		"provider_task_id":      m.ProviderTaskID,
		"output_url":            m.OutputURL,
	}, nil
}

func metaFromHash(fields map[string]string) (*TaskMeta, error) {
	m := &TaskMeta{
		JobID:          fields["job_id"],
		UserID:         fields["user_id"],
		Kind:           fields["kind"],
		Status:         fields["status"],
		Error:          fields["error"],
		ProviderTaskID: fields["provider_task_id"],
		OutputURL:      fields["output_url"],
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Payload); err != nil {
			return nil, errors.Wrapf(err, "parse payload for job %s", m.JobID)
		}
	}
	if raw := fields["retries"]; raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse retries for job %s", m.JobID)
		}
		m.Retries = retries
	}
	m.EnqueuedAt = parseTime(fields["enqueued_at"])
	m.ProcessingStartedAt = parseTime(fields["processing_started_at"])
	m.CompletedAt = parseTime(fields["completed_at"])
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
