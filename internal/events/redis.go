package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Redis implements Broker over Redis Pub/Sub so every API replica sees every event.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedis(url string, log *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "events: parse redis url")
	}
	if log == nil {
		log = zap.L()
	}
	return &Redis{rdb: redis.NewClient(opt), log: log, subs: map[chan Event]*redis.PubSub{}}, nil
}

// Subscribe returns a channel that stays open until Unsubscribe or a lost connection.
func (b *Redis) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(topic))
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("dropping undecodable event", zap.String("topic", topic), zap.Error(err))
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying subscription; ch is closed once its reader goroutine exits.
func (b *Redis) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(topic string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Warn("encode event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, chanName(topic), data).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Close() error { return b.rdb.Close() }

func chanName(topic string) string { return "caremap:" + topic }
