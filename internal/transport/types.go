// Package transport defines the narrow contracts between the dispatcher and
// a chat platform: a Directory that resolves groups and channels, and a
// Transport that creates, edits and deletes messages or streams audio.
package transport

import (
	"context"
	"strings"

	"cadence/internal/payload"
)

// ID is an opaque platform identifier. Adapters choose the encoding.
type ID string

func (id ID) String() string { return string(id) }

type ChannelKind int

const (
	KindText ChannelKind = iota
	KindVoice
)

func (k ChannelKind) String() string {
	if k == KindVoice {
		return "voice"
	}
	return "text"
}

// ParseChannelKind accepts "text" and "voice"; anything else is text.
func ParseChannelKind(s string) ChannelKind {
	if strings.EqualFold(strings.TrimSpace(s), "voice") {
		return KindVoice
	}
	return KindText
}

// Group is a live handle on a group (server, guild, chat) that owns channels.
type Group struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Channel is a live handle on a destination inside a group.
type Channel struct {
	ID      ID          `json:"id"`
	GroupID ID          `json:"group_id"`
	Name    string      `json:"name"`
	Kind    ChannelKind `json:"kind"`
}

// MessageRef identifies a message previously created by the transport.
// Parts holds every platform message the content was split into; the
// first is the primary one edits apply to.
type MessageRef struct {
	Channel ID   `json:"channel"`
	Parts   []ID `json:"parts"`
}

func (r MessageRef) IsZero() bool { return len(r.Parts) == 0 }

// Primary returns the first part, or "" for a zero ref.
func (r MessageRef) Primary() ID {
	if len(r.Parts) == 0 {
		return ""
	}
	return r.Parts[0]
}

// VoiceSession is an open connection to a voice channel.
type VoiceSession interface {
	Channel() Channel
	Close() error
}

// Directory answers questions about which groups and channels exist.
// A missing entity is reported as (zero, false, nil); errors are reserved
// for failures to ask.
type Directory interface {
	ResolveChannel(ctx context.Context, id ID) (Channel, bool, error)
	ResolveGroup(ctx context.Context, id ID) (Group, bool, error)
	ListVisibleGroups(ctx context.Context) ([]Group, error)
	ListChannelsOf(ctx context.Context, g Group) ([]Channel, error)
}

// Transport performs the remote side effects. Failures the dispatcher must
// react to are reported as *Rejection.
type Transport interface {
	CreateMessage(ctx context.Context, ch Channel, c payload.Content) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, c payload.Content) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	ConnectVoice(ctx context.Context, ch Channel) (VoiceSession, error)
	StreamAudio(ctx context.Context, s VoiceSession, a payload.Audio) error
}

// Platform is a Directory and Transport served by the same backend.
type Platform interface {
	Directory
	Transport
}
