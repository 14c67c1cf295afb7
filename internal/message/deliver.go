package message

import (
	"context"
	"errors"

	"cadence/internal/payload"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

// deliverer is the leaf operation that puts content into one channel.
type deliverer interface {
	// shape keeps the part of the content this kind of message can deliver.
	shape(c payload.Content) payload.Content
	deliver(ctx context.Context, m *Message, ch transport.Channel, c payload.Content) error
}

func newDeliverer(kind transport.ChannelKind) deliverer {
	if kind == transport.KindVoice {
		return voiceDeliverer{}
	}
	return textDeliverer{}
}

type textDeliverer struct{}

func (textDeliverer) shape(c payload.Content) payload.Content { return c.Visual() }

func (textDeliverer) deliver(ctx context.Context, m *Message, ch transport.Channel, c payload.Content) error {
	tr := m.deps.Transport
	prev, has := m.LastSent(ch.ID)

	switch m.cfg.Mode {
	case ModeEdit:
		if has {
			return tr.EditMessage(ctx, prev, c)
		}
	case ModeClearAndCreate:
		if has {
			m.forget(ch.ID)
			if err := tr.DeleteMessage(ctx, prev); err != nil {
				m.log.Debug("delete of previous message failed",
					logx.String("channel", string(ch.ID)), logx.Err(err))
			}
		}
	}

	ref, err := tr.CreateMessage(ctx, ch, c)
	if err != nil {
		return err
	}
	m.remember(ch.ID, ref)
	return nil
}

type voiceDeliverer struct{}

func (voiceDeliverer) shape(c payload.Content) payload.Content { return c.AudioOnly() }

func (voiceDeliverer) deliver(ctx context.Context, m *Message, ch transport.Channel, c payload.Content) (err error) {
	if c.Audio == nil {
		return errors.New("no audio source")
	}
	tr := m.deps.Transport
	sess, err := tr.ConnectVoice(ctx, ch)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			m.log.Debug("voice session close failed", logx.String("channel", string(ch.ID)), logx.Err(cerr))
		}
	}()
	return tr.StreamAudio(ctx, sess, *c.Audio)
}
