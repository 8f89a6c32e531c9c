// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package jobstore projects pipeline state onto one persistent row per job.
// The row is what clients and the UI poll, so writes here are advisory:
// callers log failures and keep the job moving rather than abort on them.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no row exists for the requested job.
var ErrNotFound = errors.New("jobstore: job not found")

const (
	probeInterval = 250 * time.Millisecond
	probeDeadline = 10 * time.Second
	probeTimeout  = 2 * time.Second
)

// Job is the persisted view of a pipeline job.
type Job struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	Kind          string         `db:"kind" json:"kind"`
	Status        string         `db:"status" json:"status"`
	Stage         string         `db:"stage" json:"stage,omitempty"`
	Progress      int            `db:"progress" json:"progress"`
	QueuePosition int            `db:"queue_position" json:"queue_position,omitempty"`
	OutputURL     string         `db:"output_url" json:"output_url,omitempty"`
	Error         string         `db:"error" json:"error,omitempty"`
	Provenance    types.JSONText `db:"provenance" json:"provenance,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// AngleImage is one per-angle reference image registered for a user.
type AngleImage struct {
	Angle string `db:"angle" json:"angle"`
	URL   string `db:"url" json:"url"`
}

// Update carries the optional fields of a Mark call. Nil pointers leave the
// column untouched; Provenance entries are merged into the existing JSON
// rather than replacing it.
type Update struct {
	Stage         *string
	Progress      *int
	QueuePosition *int
	OutputURL     *string
	Error         *string
	Provenance    map[string]interface{}
}

// String returns a pointer to s, for building Updates inline.
func String(s string) *string { return &s }

// Int returns a pointer to i, for building Updates inline.
func Int(i int) *int { return &i }

// Store wraps the SQL connection. It holds no in-process state; row
// atomicity comes from the database.
type Store struct {
	db *sqlx.DB
}

// New builds a Store on an established connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Connect opens the database and probes it until it answers or the startup
// deadline passes.
func Connect(databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	probe := backoff.NewExponentialBackOff()
	probe.InitialInterval = probeInterval
	probe.MaxElapsedTime = probeDeadline
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return db.PingContext(ctx)
	}, probe)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres unreachable")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertJobQuery = `INSERT INTO jobs (id, user_id, kind, status, stage, progress, queue_position, provenance) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, '{}'::jsonb)) ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, queue_position = EXCLUDED.queue_position, updated_at = now()`

// Create inserts the row for a freshly admitted job. Re-admitting the same
// id refreshes status and queue position instead of failing.
func (s *Store) Create(ctx context.Context, job *Job) error {
	var provenance interface{}
	if len(job.Provenance) > 0 {
		provenance = []byte(job.Provenance)
	}
	_, err := s.db.ExecContext(ctx, insertJobQuery,
		job.ID, job.UserID, job.Kind, job.Status, job.Stage, job.Progress, job.QueuePosition, provenance)
	if err != nil {
		return errors.Wrapf(err, "create job %s", job.ID)
	}
	return nil
}

// Mark transitions the job's status and applies any optional field updates
// in a single statement.
func (s *Store) Mark(ctx context.Context, jobID, status string, upd Update) error {
	set := []string{"status = $2", "updated_at = now()"}
	args := []interface{}{jobID, status}
	add := func(column string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Stage != nil {
		add("stage", *upd.Stage)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.QueuePosition != nil {
		add("queue_position", *upd.QueuePosition)
	}
	if upd.OutputURL != nil {
		add("output_url", *upd.OutputURL)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if len(upd.Provenance) > 0 {
		blob, err := json.Marshal(upd.Provenance)
		if err != nil {
			return errors.Wrapf(err, "encode provenance for job %s", jobID)
		}
		args = append(args, string(blob))
		set = append(set, fmt.Sprintf("provenance = provenance || $%d::jsonb", len(args)))
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "mark job %s %s", jobID, status)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

const getJobQuery = `SELECT id, user_id, kind, status, stage, progress, queue_position, output_url, error, provenance, created_at, updated_at FROM jobs WHERE id = $1`

// Get fetches one job row.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, getJobQuery, jobID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", jobID)
	}
	return &job, nil
}

const angleImagesQuery = `SELECT angle, url FROM angle_images WHERE user_id = $1 ORDER BY angle`

// AngleImages returns the user's per-angle reference images, if any.
func (s *Store) AngleImages(ctx context.Context, userID string) ([]AngleImage, error) {
	var out []AngleImage
	err := s.db.SelectContext(ctx, &out, angleImagesQuery, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "angle images for user %s", userID)
	}
	return out, nil
}

const faceRefsQuery = `SELECT url FROM face_refs WHERE user_id = $1 ORDER BY slot`

// FaceRefs returns the user's face close-up reference URLs, if any.
func (s *Store) FaceRefs(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, faceRefsQuery, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "face refs for user %s", userID)
	}
	return out, nil
}
