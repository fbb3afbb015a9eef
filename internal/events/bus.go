package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/models"
	"agent-ingest/internal/store"
)

// Bus fans a job's ordered event sequence out to any number of independent
// observers. Publishing happens inside the store; the bus owns the subscribe
// side: full replay from sequence 0, then live delivery over Redis pub/sub,
// with gap-fill reads against the event log so every subscriber observes a
// strictly increasing, gapless sequence.
type Bus struct {
	client *redis.Client
	st     *store.Store
	buffer int
	logger *slog.Logger
}

// New builds a bus sharing the store's Redis client. buffer bounds each
// subscriber channel; a subscriber that stops draining past the bound is
// disconnected rather than blocking delivery.
func New(client *redis.Client, st *store.Store, buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, st: st, buffer: buffer, logger: logger}
}

// Subscribe returns the ordered event sequence for a job, starting at
// sequence 0. The channel closes after the terminal event has been delivered,
// when ctx is cancelled, or when the subscriber falls too far behind. Unknown
// jobs fail with not_found.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan models.Event, error) {
	// Attach to live delivery before replaying so nothing published during
	// the replay read is missed; duplicates are filtered by sequence number.
	sub := b.client.Subscribe(ctx, store.ChannelFor(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	replay, err := b.st.Events(ctx, jobID, 0)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan models.Event, b.buffer)
	go b.pump(ctx, jobID, sub, replay, out)
	return out, nil
}

func (b *Bus) pump(ctx context.Context, jobID string, sub *redis.PubSub, replay []models.Event, out chan<- models.Event) {
	defer close(out)
	defer func() { _ = sub.Close() }()

	next := int64(0)
	for _, ev := range replay {
		if ev.Seq != next {
			continue
		}
		if !b.deliver(ctx, jobID, out, ev) {
			return
		}
		next++
		if models.IsTerminal(ev.Status) {
			return
		}
	}

	msgs := sub.Channel(redis.WithChannelSize(b.buffer))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("drop malformed job event", "job_id", jobID, "error", err)
				continue
			}
			if ev.Seq < next {
				// Already delivered during replay.
				continue
			}
			if ev.Seq > next {
				// A publish raced ahead of us; fill the hole from the log.
				missed, err := b.st.Events(ctx, jobID, next)
				if err != nil {
					return
				}
				for _, m := range missed {
					if m.Seq != next {
						continue
					}
					if !b.deliver(ctx, jobID, out, m) {
						return
					}
					next++
					if models.IsTerminal(m.Status) {
						return
					}
				}
				continue
			}
			if !b.deliver(ctx, jobID, out, ev) {
				return
			}
			next++
			if models.IsTerminal(ev.Status) {
				return
			}
		}
	}
}

// deliver pushes one event without ever blocking indefinitely on a stalled
// subscriber: when the buffer is full the subscriber is dropped.
func (b *Bus) deliver(ctx context.Context, jobID string, out chan<- models.Event, ev models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		b.logger.Warn("dropping slow job event subscriber", "job_id", jobID, "seq", ev.Seq)
		return false
	}
}
