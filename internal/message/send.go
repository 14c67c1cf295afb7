package message

import (
	"context"
	"time"

	"cadence/internal/payload"
	"cadence/internal/period"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

// Send runs one attempt. It returns nil when nothing was attempted (no
// destinations, empty payload) or when ctx ended mid-attempt; transport
// failures are folded into the returned Outcome, never returned as errors.
// Callers hold the message through TryAcquire.
func (m *Message) Send(ctx context.Context) *Outcome {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if !ready {
		return nil
	}

	m.maybeRescan(ctx)

	channels := m.Channels()
	if len(channels) == 0 {
		return nil
	}

	v, err := m.cfg.Payload.Produce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("payload source failed", logx.Err(err))
		m.beginAttempt()
		return nil
	}
	content := m.leaf.shape(payload.Classify(v))
	if content.Empty() {
		m.log.Debug("payload produced nothing to send")
		return nil
	}

	at := m.beginAttempt()
	out := &Outcome{
		ID:        newOutcomeID(at),
		MessageID: m.cfg.ID,
		Kind:      m.cfg.Kind,
		Mode:      m.cfg.Mode,
		At:        at,
		Content:   content,
	}

	for _, ch := range channels {
		err := m.sendChannel(ctx, ch, content)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			out.Succeeded = append(out.Succeeded, ch)
			continue
		}

		rej := transport.AsRejection(err)
		out.Failed = append(out.Failed, Failure{Channel: ch, Category: rej.Category, Reason: err.Error()})
		log := m.log.With(logx.String("channel", string(ch.ID)), logx.String("category", rej.Category.String()))

		if rej.Category == transport.CategorySlowMode {
			m.mu.Lock()
			// RetryAt is measured on the attempt timer; earlier channels may
			// already have used part of this attempt.
			m.retry.Forced = true
			m.retry.RetryAt = m.timer.Elapsed() + rej.RetryAfter
			m.mu.Unlock()
			log.Warn("slow mode, deferring the rest of this attempt", logx.Duration("retry_after", rej.RetryAfter))
			break
		}
		if rej.Structural() {
			m.removeChannel(ch.ID)
			out.Removed = append(out.Removed, ch)
			log.Warn("channel unusable, removed", logx.Err(err))
			continue
		}
		if rej.Category == transport.CategoryRateLimited {
			log.Warn("rate limited, pausing", logx.Duration("retry_after", rej.RetryAfter))
			if m.deps.Sleep(ctx, rej.RetryAfter) != nil {
				return nil
			}
			continue
		}
		log.Warn("send failed", logx.Err(err))
	}

	if len(out.Succeeded) > 0 {
		m.mu.Lock()
		m.sent++
		m.mu.Unlock()
	}
	return out
}

// beginAttempt consumes the period: the timer restarts, a forced retry is
// cleared and the policy draws the next period.
func (m *Message) beginAttempt() (at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = m.deps.Clock.Now()
	m.timer.Restart()
	m.retry = period.RetryState{}
	m.policy.Next(at)
	return at
}

// sendChannel delivers to one channel, retrying when the previous message
// it meant to replace no longer exists.
func (m *Message) sendChannel(ctx context.Context, ch transport.Channel, c payload.Content) error {
	var err error
	for try := 0; try < maxTries; try++ {
		err = m.leaf.deliver(ctx, m, ch, c)
		if err == nil || ctx.Err() != nil {
			return err
		}
		rej := transport.AsRejection(err)
		if rej.Category != transport.CategoryNotFound || rej.Target != transport.TargetMessage {
			return err
		}
		m.forget(ch.ID)
	}
	return err
}

func (m *Message) maybeRescan(ctx context.Context) {
	m.mu.Lock()
	if m.cfg.Filter == nil || m.rescan == nil {
		m.mu.Unlock()
		return
	}
	every := m.cfg.Rescan
	if every <= 0 {
		every = DefaultRescan
	}
	due := m.rescan.Elapsed() > every
	if due {
		m.rescan.Restart()
	}
	group := m.group
	m.mu.Unlock()
	if !due {
		return
	}

	f := *m.cfg.Filter
	f.Kind = m.cfg.Kind
	found, err := m.deps.Resolver.Match(ctx, group, f)
	if err != nil {
		m.log.Warn("channel rescan failed", logx.Err(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := found[:0]
	for _, ch := range found {
		if _, gone := m.banned[ch.ID]; !gone {
			next = append(next, ch)
		}
	}
	if len(next) != len(m.channels) {
		m.log.Debug("channel set changed", logx.Int("from", len(m.channels)), logx.Int("to", len(next)))
	}
	m.channels = next
}

func (m *Message) removeChannel(id transport.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banned[id] = struct{}{}
	delete(m.lastSent, id)
	for i, ch := range m.channels {
		if ch.ID == id {
			m.channels = append(m.channels[:i:i], m.channels[i+1:]...)
			return
		}
	}
}

func (m *Message) remember(id transport.ID, ref transport.MessageRef) {
	m.mu.Lock()
	m.lastSent[id] = ref
	m.mu.Unlock()
}

func (m *Message) forget(id transport.ID) {
	m.mu.Lock()
	delete(m.lastSent, id)
	m.mu.Unlock()
}
