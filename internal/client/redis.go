package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPresenceTTL is how long a heartbeat keeps the robot listed as online.
	DefaultPresenceTTL = 30 * time.Second

	eventStreamMaxLen = 10000
)

// JournalEntry is one record read back from the event stream.
type JournalEntry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// CommandHandler receives operator commands from the command stream.
type CommandHandler func(command string, payload []byte) error

// RedisJournal records controller events in Redis streams and keeps
// the robot's presence entry fresh.
//
// Keys:
//   - <prefix>:events           stream of mode changes, link events and triggers
//   - <prefix>:health           hash robot id -> last heartbeat
//   - <prefix>:health:<robot>   same heartbeat with a TTL
//   - <prefix>:commands:<robot> operator command stream (consumer group)
type RedisJournal struct {
	client       *redis.Client
	streamPrefix string
	robotID      string
	presenceTTL  time.Duration
	logger       *log.Logger
}

// NewRedisJournal creates a journal for robotID.
func NewRedisJournal(addr, password, streamPrefix, robotID string) *RedisJournal {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	})

	return &RedisJournal{
		client:       client,
		streamPrefix: streamPrefix,
		robotID:      robotID,
		presenceTTL:  DefaultPresenceTTL,
		logger:       log.Default(),
	}
}

// Connect checks the Redis connection with a timeout.
func (r *RedisJournal) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := r.client.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.logger.Printf("INFO: Connected to Redis")
	return nil
}

// Close closes the Redis connection.
func (r *RedisJournal) Close() error {
	r.logger.Printf("INFO: Closing Redis connection...")
	return r.client.Close()
}

// Ping checks the Redis connection.
func (r *RedisJournal) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// EventStream returns the name of the event stream.
func (r *RedisJournal) EventStream() string {
	return fmt.Sprintf("%s:events", r.streamPrefix)
}

func (r *RedisJournal) healthKey() string {
	return fmt.Sprintf("%s:health", r.streamPrefix)
}

func (r *RedisJournal) commandStream() string {
	return fmt.Sprintf("%s:commands:%s", r.streamPrefix, r.robotID)
}

// RecordEvent appends an event of kind to the event stream. data is stored as JSON.
func (r *RedisJournal) RecordEvent(ctx context.Context, kind string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.EventStream(),
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": r.robotID,
			"kind":      kind,
			"data":      string(encoded),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

// RecentEvents returns up to count of the newest events of this robot, newest first.
func (r *RedisJournal) RecentEvents(ctx context.Context, count int64) ([]JournalEntry, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.EventStream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	entries := make([]JournalEntry, 0, len(msgs))
	for _, msg := range msgs {
		if id, _ := msg.Values["device_id"].(string); id != r.robotID {
			continue
		}
		kind, _ := msg.Values["kind"].(string)
		data, _ := msg.Values["data"].(string)
		ts, _ := msg.Values["timestamp"].(string)
		entries = append(entries, JournalEntry{
			ID:        msg.ID,
			Kind:      kind,
			Data:      json.RawMessage(data),
			Timestamp: ts,
		})
	}
	return entries, nil
}

// RecordHealth stores the heartbeat in the presence hash and in a key with TTL.
func (r *RedisJournal) RecordHealth(ctx context.Context, health any) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.healthKey(), r.robotID, string(data))
	pipe.SetEx(ctx, fmt.Sprintf("%s:%s", r.healthKey(), r.robotID), string(data), r.presenceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record health: %w", err)
	}

	r.logger.Printf("DEBUG: Recorded health for %s", r.robotID)
	return nil
}

// RemoveHealth removes the robot's presence entries. Called during graceful shutdown.
func (r *RedisJournal) RemoveHealth(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, r.healthKey(), r.robotID)
	pipe.Del(ctx, fmt.Sprintf("%s:%s", r.healthKey(), r.robotID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove health for %s: %w", r.robotID, err)
	}

	r.logger.Printf("INFO: Removed %s from presence registry", r.robotID)
	return nil
}

// SubscribeCommands reads operator commands from the command stream and calls
// handler for each. Entries carry a "command" field and an optional "payload".
// This method blocks until the context is cancelled.
func (r *RedisJournal) SubscribeCommands(ctx context.Context, handler CommandHandler) error {
	streamName := r.commandStream()
	groupName := fmt.Sprintf("guarddog-%s", r.robotID)
	consumerName := fmt.Sprintf("guarddog-%s-consumer", r.robotID)

	err := r.client.XGroupCreateMkStream(ctx, streamName, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		r.logger.Printf("WARN: Could not create consumer group: %v", err)
	}

	r.logger.Printf("INFO: Subscribing to commands on stream %s", streamName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: consumerName,
			Streams:  []string{streamName, ">"},
			Count:    1,
			Block:    1 * time.Second,
		}).Result()

		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Printf("WARN: Error reading commands: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				command, _ := msg.Values["command"].(string)
				payload, _ := msg.Values["payload"].(string)

				if err := handler(command, []byte(payload)); err != nil {
					r.logger.Printf("ERROR: Failed to handle command %s: %v", msg.ID, err)
				}
				r.client.XAck(ctx, streamName, groupName, msg.ID)
			}
		}
	}
}
