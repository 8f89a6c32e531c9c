// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/atelier-labs/render-agent/pkg/util/log"
)

const (
	probeInterval = 250 * time.Millisecond
	probeDeadline = 10 * time.Second
	probeTimeout  = 2 * time.Second
)

// Connect dials the distributed backend and probes it until it answers or
// the startup deadline passes. Transient refusals during process startup
// (Redis still coming up next to us) are retried with backoff; a nil error
// means the returned client answered a PING.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	probe := backoff.NewExponentialBackOff()
	probe.InitialInterval = probeInterval
	probe.MaxElapsedTime = probeDeadline
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Debugf("queue: redis not ready yet: %v", err)
			return err
		}
		return nil
	}, probe)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis unreachable")
	}
	return client, nil
}
