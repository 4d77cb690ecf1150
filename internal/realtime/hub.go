package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"dispatch/internal/platform/metrics"
	platformredis "dispatch/internal/platform/redis"
)

// subscriber is one open subscription on a channel. Frames are delivered
// non-blocking; a slow consumer drops frames rather than stalling publishers.
type subscriber struct {
	frames chan Frame
}

// Hub fans committed order events out to role-scoped channels. Delivery is
// best-effort and at-least-once: a frame may reach a subscriber more than once
// (local delivery plus the redis mirror) and duplicates are tolerated by the
// latency monitor's unmatched-receive contract.
//
// Publishing happens after the originating transaction commits and never
// reports failure back to it; redis errors are logged and dropped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	logger  *slog.Logger
	monitor *Monitor
	metrics *metrics.Metrics
	redis   *platformredis.Client
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRedis mirrors every published frame to redis pub/sub on the same
// channel names. Instances that also run RunRedisBridge feed mirrored frames
// to their local subscribers, so delivery spans instances.
func WithRedis(client *platformredis.Client) HubOption {
	return func(h *Hub) { h.redis = client }
}

// WithMetrics wires prometheus counters/histograms into the hub.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub.
func NewHub(logger *slog.Logger, monitor *Monitor, opts ...HubOption) *Hub {
	h := &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		logger:  logger,
		monitor: monitor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe opens a subscription on one channel. The returned cancel func
// must be called when the consumer goes away; the frame channel is closed by
// cancel, never by the hub mid-delivery.
func (h *Hub) Subscribe(channel string, buffer int) (<-chan Frame, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{frames: make(chan Frame, buffer)}

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*subscriber]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[channel], sub)
			if len(h.subs[channel]) == 0 {
				delete(h.subs, channel)
			}
			h.mu.Unlock()
			close(sub.frames)
		})
	}
	return sub.frames, cancel
}

// PublishOrderEvent fans one committed event out to its channel set and
// starts latency tracking for the message. It never blocks on a slow
// subscriber and never returns a delivery failure to the caller.
func (h *Hub) PublishOrderEvent(ctx context.Context, event Event) error {
	frame := event.Frame()
	channels := event.Channels()

	if h.monitor != nil {
		h.monitor.TrackSend(event.MessageID)
	}
	if h.metrics != nil {
		h.metrics.IncrementEventsPublished()
	}

	for _, channel := range channels {
		h.deliver(channel, frame)
	}

	if h.redis != nil {
		payload, err := json.Marshal(frame)
		if err != nil {
			h.logger.ErrorContext(ctx, "marshal event frame", "error", err)
			return nil
		}
		for _, channel := range channels {
			if err := h.redis.Publish(ctx, channel, payload).Err(); err != nil {
				h.logger.WarnContext(ctx, "redis publish failed",
					"channel", channel,
					"message_id", frame.MessageID,
					"error", err,
				)
			}
		}
	}
	return nil
}

// deliver pushes one frame to every local subscriber of a channel.
func (h *Hub) deliver(channel string, frame Frame) {
	h.mu.RLock()
	for sub := range h.subs[channel] {
		select {
		case sub.frames <- frame:
		default:
			// Slow consumer; drop rather than stall the publisher.
		}
	}
	h.mu.RUnlock()
}

// RunRedisBridge consumes the redis mirror and hands frames published by
// other instances to local subscribers. It blocks until ctx is cancelled and
// is a no-op without redis. Frames this instance published come back through
// the mirror too; the resulting duplicates are covered by the at-least-once
// delivery contract.
func (h *Hub) RunRedisBridge(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}

	sub := h.redis.PSubscribe(ctx, "restaurant:*", "driver:*", AdminChannel)
	defer sub.Close()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, open := <-messages:
			if !open {
				return nil
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				h.logger.WarnContext(ctx, "drop malformed mirror frame",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			h.deliver(msg.Channel, frame)
		}
	}
}

// Ack records a subscriber acknowledgement for latency accounting. Unknown
// and duplicate message IDs yield ok=false and are not errors.
func (h *Hub) Ack(messageID, channel string, kind EventKind) (Measurement, bool) {
	if h.monitor == nil {
		return Measurement{}, false
	}
	measurement, ok := h.monitor.TrackReceive(messageID, channel, kind)
	if ok && h.metrics != nil {
		h.metrics.ObservePropagationLatency(measurement.Latency)
	}
	return measurement, ok
}

// Monitor exposes the latency monitor for the stats endpoint.
func (h *Hub) Monitor() *Monitor { return h.monitor }
