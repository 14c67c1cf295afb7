// Package payload models what a message sends: the raw parts a source
// produces and the classified Content handed to a transport.
package payload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

type Kind int

const (
	KindText Kind = iota
	KindEmbed
	KindAttachment
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEmbed:
		return "embed"
	case KindAttachment:
		return "attachment"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Part is one element of a produced payload.
type Part interface {
	Kind() Kind
}

type Text string

func (Text) Kind() Kind { return KindText }

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a structured rich block (title, body, fields, image).
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`
	Footer      string       `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

func (Embed) Kind() Kind { return KindEmbed }

func (e Embed) IsZero() bool {
	return e.Title == "" && e.Description == "" && e.URL == "" &&
		e.ImageURL == "" && e.Footer == "" && len(e.Fields) == 0
}

// Attachment is a file, either on disk (Path) or in memory (Data).
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
}

func (Attachment) Kind() Kind { return KindAttachment }

var ErrNoData = errors.New("payload: attachment has neither path nor data")

// Open returns a reader over the attachment contents.
func (a Attachment) Open() (io.ReadCloser, error) {
	if len(a.Data) > 0 {
		return io.NopCloser(bytes.NewReader(a.Data)), nil
	}
	if a.Path == "" {
		return nil, ErrNoData
	}
	return os.Open(a.Path)
}

// FileName is Name, or the base of Path when Name is empty.
func (a Attachment) FileName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Path != "" {
		return filepath.Base(a.Path)
	}
	return "file"
}

// Audio is a sound source streamed into voice channels.
type Audio struct {
	Attachment
}

func (Audio) Kind() Kind { return KindAudio }

// Value is what a Source produces in one round.
type Value []Part

// Source yields the payload of a message each time it is sent.
// Static and Dynamic are the two implementations.
type Source interface {
	Produce(ctx context.Context) (Value, error)
	IsStatic() bool
}

// Static always produces the same value.
type Static Value

func (s Static) Produce(context.Context) (Value, error) { return Value(s), nil }
func (Static) IsStatic() bool                           { return true }

// Dynamic calls its function on every send.
type Dynamic func(ctx context.Context) (Value, error)

func (d Dynamic) Produce(ctx context.Context) (Value, error) {
	if d == nil {
		return nil, nil
	}
	return d(ctx)
}
func (Dynamic) IsStatic() bool { return false }

// FileText re-reads path on every send and produces its contents as text.
func FileText(path string) Dynamic {
	return func(context.Context) (Value, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return Value{Text(b)}, nil
	}
}
