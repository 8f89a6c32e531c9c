// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package jobstore

import (
	"context"

	"github.com/pkg/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL,
	stage          TEXT NOT NULL DEFAULT '',
	progress       INT NOT NULL DEFAULT 0,
	queue_position INT NOT NULL DEFAULT 0,
	output_url     TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	provenance     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_user_idx ON jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS angle_images (
	user_id TEXT NOT NULL,
	angle   TEXT NOT NULL,
	url     TEXT NOT NULL,
	PRIMARY KEY (user_id, angle)
);

CREATE TABLE IF NOT EXISTS face_refs (
	user_id TEXT NOT NULL,
	slot    TEXT NOT NULL,
	url     TEXT NOT NULL,
	PRIMARY KEY (user_id, slot)
);
`

// EnsureSchema creates the tables on first boot. Every statement is
// idempotent so concurrent replicas can race through it safely.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "ensure jobstore schema")
	}
	return nil
}
