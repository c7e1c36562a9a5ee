package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// SignalService publishes flush events to redis and fans them out to
// realtime listeners.
type SignalService struct {
	rdb     *redis.Client
	channel string
}

func NewSignalService(redisClient *redis.Client, channel string) *SignalService {
	return &SignalService{
		rdb:     redisClient,
		channel: channel,
	}
}

func (s *SignalService) Publish(ctx context.Context, channel string, event any) error {

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	err = s.rdb.Publish(ctx, channel, jsonstr).Err()
	if err != nil {
		return errors.Wrap(err, "failed to publish event")
	}

	return nil
}

// Realtime forwards flush events whose collection/id starts with one of the
// prefixes last received on input. It returns when ctx is done or input is
// closed. output is never closed.
func (s *SignalService) Realtime(ctx context.Context, input <-chan []string, output chan<- domain.FlushEvent) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	messages := pubsub.Channel()

	var prefixes []string
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-input:
			if !ok {
				return
			}
			prefixes = p
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event domain.FlushEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.ErrorContext(ctx, "invalid flush event",
					slog.String("error", err.Error()),
					slog.String("module", "signal"),
				)
				continue
			}
			if !MatchPrefixes(prefixes, event) {
				continue
			}
			select {
			case output <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// MatchPrefixes reports whether collection/id of event starts with any prefix.
func MatchPrefixes(prefixes []string, event domain.FlushEvent) bool {
	key := event.Collection + "/" + event.ID
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
