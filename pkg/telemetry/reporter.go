// Package telemetry reports orchestrator progress to Redis, adapted
// from the teacher's pkg/redis client: the same HSet+Publish pipeline
// pattern (WriteAndPublishString/WriteAndPublishInt there), repurposed
// from mirroring BLE device state to mirroring flash-programming
// progress for anything watching the key.
package telemetry

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Reporter publishes orchestrator.Runner progress to a Redis hash and
// channel. A nil *Reporter is a valid no-op, so callers that don't
// want telemetry can simply not construct one.
type Reporter struct {
	client *redis.Client
	ctx    context.Context
	key    string
}

// New connects to addr and pings it before returning, matching the
// teacher's pkg/redis.New.
func New(addr, password string, db int, key string) (*Reporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connecting to redis: %v", err)
	}

	return &Reporter{client: client, ctx: ctx, key: key}, nil
}

// Progress implements orchestrator.Reporter. It writes the current
// step/total/message into a hash and publishes the same update on a
// channel of the same name, for any subscriber watching live.
func (r *Reporter) Progress(stepIndex, totalSteps int, message string) {
	if r == nil || r.client == nil {
		return
	}

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, r.key, "step", stepIndex)
	pipe.HSet(r.ctx, r.key, "total", totalSteps)
	pipe.HSet(r.ctx, r.key, "message", message)
	pipe.Publish(r.ctx, r.key, fmt.Sprintf("%d/%d:%s", stepIndex, totalSteps, message))

	if _, err := pipe.Exec(r.ctx); err != nil {
		log.Printf("telemetry: failed to publish progress: %v", err)
	}
}

// Close releases the underlying Redis client.
func (r *Reporter) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
