// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/repository"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

// Redis channels and keys for the mirror surfaces
var (
	RedisOrderChannel = "CH:TRADECORE:ORDER:TASKS"
	RedisLastTickKey  = "TRADECORE:LAST_TICK"
)

// PublishService mirrors internal state to Redis for out-of-process
// consumers: order task transitions relayed from Postgres NOTIFY, and
// the last tick per token as a hash.
type PublishService struct {
	redisClient *redis.Client
	pgConnStr   string
	bus         *TickBus
}

// NewPublishService creates a new publish service
func NewPublishService(redisClient *redis.Client, pgConnStr string, bus *TickBus) *PublishService {
	return &PublishService{
		redisClient: redisClient,
		pgConnStr:   pgConnStr,
		bus:         bus,
	}
}

// RelayOrderEvents bridges the Postgres order task channel to Redis.
// The durable row is the source of truth; this stream is best effort.
func (s *PublishService) RelayOrderEvents(ctx context.Context) error {
	listener := pq.NewListener(s.pgConnStr, 10*time.Second, time.Minute, nil)
	defer listener.Close()
	if err := listener.Listen(repository.OrderTaskChannel); err != nil {
		return Wrap(KindResource, "order task listen failed", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				// connection re-established, nothing to relay
				continue
			}
			if err := s.redisClient.Publish(ctx, RedisOrderChannel, n.Extra).Err(); err != nil {
				zaplogger.Error("order event publish to redis failed", zaplogger.Fields{
					"error": err.Error(),
				})
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					zaplogger.Error("postgres listener ping failed", zaplogger.Fields{
						"error": err.Error(),
					})
				}
			}()
		}
	}
}

// MirrorLastTicks consumes the bus and keeps the last tick per token in
// a Redis hash keyed by token
func (s *PublishService) MirrorLastTicks(ctx context.Context) error {
	sub := s.bus.Subscribe("redis-mirror", nil)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.writeLastTick(ctx, tick)
		}
	}
}

func (s *PublishService) writeLastTick(ctx context.Context, tick models.Tick) {
	data, err := json.Marshal(tick)
	if err != nil {
		return
	}
	field := strconv.FormatUint(uint64(tick.Token), 10)
	if err := s.redisClient.HSet(ctx, RedisLastTickKey, field, data).Err(); err != nil {
		zaplogger.Error("last tick mirror failed", zaplogger.Fields{
			"token": tick.Token,
			"error": err.Error(),
		})
	}
}
