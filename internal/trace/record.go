// Package trace records the outcome of every send attempt of groups with
// logging enabled. A Service queues records and hands them to a Writer
// backed by one of several storage drivers.
package trace

import (
	"context"
	"time"

	"cadence/internal/message"
	"cadence/internal/payload"
)

// GroupContext tags an outcome with the group it was sent for.
type GroupContext struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AutoGroup string `json:"auto_group,omitempty"`
}

// Sink receives outcomes. Record must not block the caller.
type Sink interface {
	Record(ctx context.Context, gc GroupContext, out *message.Outcome)
}

type ChannelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type FailureRef struct {
	ChannelRef
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Record is the flattened, storage-friendly form of an outcome.
type Record struct {
	RunID       string         `json:"run_id"`
	ID          string         `json:"id"`
	At          time.Time      `json:"at"`
	Group       GroupContext   `json:"group"`
	Message     string         `json:"message"`
	Kind        string         `json:"kind"`
	Mode        string         `json:"mode"`
	Status      string         `json:"status"`
	Text        string         `json:"text,omitempty"`
	Embed       *payload.Embed `json:"embed,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Audio       string         `json:"audio,omitempty"`
	Succeeded   []ChannelRef   `json:"succeeded"`
	Failed      []FailureRef   `json:"failed"`
	Removed     []ChannelRef   `json:"removed,omitempty"`
}

func NewRecord(runID string, gc GroupContext, out *message.Outcome) Record {
	r := Record{
		RunID:       runID,
		ID:          out.ID,
		At:          out.At,
		Group:       gc,
		Message:     out.MessageID,
		Kind:        out.Kind.String(),
		Mode:        out.Mode.String(),
		Status:      string(out.Status()),
		Text:        out.Content.Text,
		Embed:       out.Content.Embed,
		Attachments: out.Content.AttachmentNames(),
		Succeeded:   make([]ChannelRef, 0, len(out.Succeeded)),
		Failed:      make([]FailureRef, 0, len(out.Failed)),
	}
	if out.Content.Audio != nil {
		r.Audio = out.Content.Audio.FileName()
	}
	for _, ch := range out.Succeeded {
		r.Succeeded = append(r.Succeeded, ChannelRef{ID: string(ch.ID), Name: ch.Name})
	}
	for _, f := range out.Failed {
		r.Failed = append(r.Failed, FailureRef{
			ChannelRef: ChannelRef{ID: string(f.Channel.ID), Name: f.Channel.Name},
			Category:   f.Category.String(),
			Reason:     f.Reason,
		})
	}
	for _, ch := range out.Removed {
		r.Removed = append(r.Removed, ChannelRef{ID: string(ch.ID), Name: ch.Name})
	}
	return r
}
