// Package eventbus publishes fault detections and schedule decisions to
// Redis pub/sub when configured, falling back to a log-only publisher when
// it isn't — the same best-effort, never-block-the-caller discipline the
// rest of the kernel's loops use for everything off the hot path.
package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hybridrtos/kernel/internal/faultmon"
	"github.com/hybridrtos/kernel/internal/scheduler"
)

const (
	FaultTopic    = "rtos.faults"
	DecisionTopic = "rtos.decisions"

	publishTimeout = 2 * time.Second
	queueDepth     = 256
)

// Publisher is the minimal surface eventbus needs; *redis.Client satisfies
// it, and tests can substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Bus publishes kernel events asynchronously: PublishFault/PublishDecision
// enqueue onto a buffered channel and return immediately, so a slow or
// unreachable Redis never stalls the fault-monitor or scheduler loop.
type Bus struct {
	pub   Publisher
	queue chan func()
	done  chan struct{}
}

// NewRedisBus connects to addr and verifies the connection with Ping.
func NewRedisBus(ctx context.Context, addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return newBus(client), nil
}

// NewLogOnlyBus returns a bus that only logs events, for when no Redis
// address is configured. Mirrors the teacher's LogPublisher fallback.
func NewLogOnlyBus() *Bus {
	return newBus(nil)
}

func newBus(pub Publisher) *Bus {
	b := &Bus{pub: pub, queue: make(chan func(), queueDepth), done: make(chan struct{})}
	go b.drain()
	return b
}

func (b *Bus) drain() {
	for {
		select {
		case fn, ok := <-b.queue:
			if !ok {
				close(b.done)
				return
			}
			fn()
		}
	}
}

func (b *Bus) enqueue(fn func()) {
	select {
	case b.queue <- fn:
	default:
		log.Printf("[EVENTBUS] queue full, dropping event")
	}
}

func (b *Bus) publish(topic string, payload any) {
	b.enqueue(func() {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[EVENTBUS] marshal failed for %s: %v", topic, err)
			return
		}
		if b.pub == nil {
			log.Printf("[EVENTBUS] PUBLISH %s: %s", topic, string(data))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := b.pub.Publish(ctx, topic, data).Err(); err != nil {
			log.Printf("[EVENTBUS] publish to %s failed: %v", topic, err)
		}
	})
}

// PublishFault publishes a fault detection result.
func (b *Bus) PublishFault(result faultmon.DetectionResult) {
	if !result.Detected {
		return
	}
	b.publish(FaultTopic, result)
}

// PublishDecision publishes a scheduler decision.
func (b *Bus) PublishDecision(decision scheduler.Decision) {
	b.publish(DecisionTopic, decision)
}

// Close stops the drain goroutine once the queue is empty.
func (b *Bus) Close() {
	close(b.queue)
	<-b.done
}
