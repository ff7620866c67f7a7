package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamMirror implements EventMirror with one Redis Stream per run
type StreamMirror struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	block  time.Duration
}

// NewStreamMirror creates a new Redis Streams event mirror. Streams expire
// ttl after their last append; zero keeps them forever.
func NewStreamMirror(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StreamMirror {
	return &StreamMirror{
		client: client,
		logger: logger,
		ttl:    ttl,
		block:  time.Second,
	}
}

// Append adds an event to the stream of its run
func (m *StreamMirror) Append(ctx context.Context, event domain.Event) error {
	streamKey := getStreamKey(event.RunID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"type": string(event.Type),
			"data": string(data),
		},
	})
	if m.ttl > 0 {
		pipe.Expire(ctx, streamKey, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	m.logger.Debug("event mirrored",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("stream", streamKey))

	return nil
}

// Replay returns every mirrored event of a run in order
func (m *StreamMirror) Replay(ctx context.Context, runID string) ([]domain.Event, error) {
	streamKey := getStreamKey(runID)

	messages, err := m.client.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}

	events := make([]domain.Event, 0, len(messages))
	for _, message := range messages {
		event, err := decodeMessage(message)
		if err != nil {
			m.logger.Error("skipping undecodable event",
				zap.String("stream", streamKey),
				zap.String("message_id", message.ID),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Follow reads the run's stream from the beginning and keeps blocking for
// new entries until WORKFLOW_END is handled or ctx is done
func (m *StreamMirror) Follow(ctx context.Context, runID string, handler ports.EventHandler) error {
	streamKey := getStreamKey(runID)
	lastID := "0"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := m.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Count:   100,
			Block:   m.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID

				event, err := decodeMessage(message)
				if err != nil {
					m.logger.Error("skipping undecodable event",
						zap.String("stream", streamKey),
						zap.String("message_id", message.ID),
						zap.Error(err))
					continue
				}
				if err := handler(ctx, event); err != nil {
					return err
				}
				if event.Type == domain.EventTypeWorkflowEnd {
					return nil
				}
			}
		}
	}
}

func decodeMessage(message redis.XMessage) (domain.Event, error) {
	var event domain.Event

	data, ok := message.Values["data"].(string)
	if !ok {
		return event, fmt.Errorf("invalid message format")
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

// getStreamKey returns the Redis stream key of a run
func getStreamKey(runID string) string {
	return fmt.Sprintf("dagflow:events:%s", runID)
}
