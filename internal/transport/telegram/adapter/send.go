package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"cadence/internal/payload"
	kit "cadence/internal/transport"
	logx "cadence/pkg/logx"
	"cadence/pkg/tgui"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

var errNotVoice = errors.New("telegram: not a voice topic")

type voiceSession struct {
	ch     kit.Channel
	chat   int64
	thread int
}

func (s *voiceSession) Channel() kit.Channel { return s.ch }
func (s *voiceSession) Close() error         { return nil }

func (a *Adapter) send(ctx context.Context, chat int64, thread int, what any, opt *tele.SendOptions) (*tele.Message, error) {
	if err := a.lim.Wait(ctx); err != nil {
		return nil, err
	}
	if opt == nil {
		opt = &tele.SendOptions{ParseMode: tele.ModeHTML}
	}
	opt.ThreadID = thread
	m, err := a.bot.Send(&tele.Chat{ID: chat}, what, opt)
	if err != nil {
		return nil, classify(err, kit.TargetChannel)
	}
	return m, nil
}

// CreateMessage sends the content as one or more Telegram messages: an
// optional photo (embed image, carrying the text as caption when it fits),
// text chunks, one document per attachment and an audio file. If any part
// fails the parts already sent are removed.
func (a *Adapter) CreateMessage(ctx context.Context, ch kit.Channel, c payload.Content) (kit.MessageRef, error) {
	chat, thread, err := ParseChannelID(ch.ID)
	if err != nil {
		return kit.MessageRef{}, kit.ChannelNotFound(err)
	}
	ref := kit.MessageRef{Channel: ch.ID}
	add := func(m *tele.Message) { ref.Parts = append(ref.Parts, kit.ID(strconv.Itoa(m.ID))) }
	fail := func(err error) (kit.MessageRef, error) {
		a.deleteParts(context.WithoutCancel(ctx), chat, ref.Parts)
		return kit.MessageRef{}, err
	}

	body := render(c)
	if c.Embed != nil && c.Embed.ImageURL != "" {
		photo := &tele.Photo{File: tele.FromURL(c.Embed.ImageURL)}
		if len([]rune(body)) <= captionLimit {
			photo.Caption, body = body, ""
		}
		m, err := a.send(ctx, chat, thread, photo, nil)
		if err != nil {
			return fail(err)
		}
		add(m)
	}

	for _, chunk := range splitText(body, textLimit, tele.ModeHTML) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		m, err := a.send(ctx, chat, thread, chunk, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			return fail(err)
		}
		add(m)
	}

	for _, att := range c.Attachments {
		f, closer, err := inputFile(att)
		if err != nil {
			return fail(err)
		}
		m, err := a.send(ctx, chat, thread, &tele.Document{File: f, FileName: att.FileName()}, nil)
		closer()
		if err != nil {
			return fail(err)
		}
		add(m)
	}

	if c.Audio != nil {
		f, closer, err := inputFile(c.Audio.Attachment)
		if err != nil {
			return fail(err)
		}
		m, err := a.send(ctx, chat, thread, &tele.Audio{File: f, FileName: c.Audio.FileName()}, nil)
		closer()
		if err != nil {
			return fail(err)
		}
		add(m)
	}

	if ref.IsZero() {
		return kit.MessageRef{}, fmt.Errorf("telegram: nothing to send")
	}
	return ref, nil
}

// EditMessage replaces the text (or caption) of the primary part. Content
// longer than one message is truncated; attachments cannot be edited.
func (a *Adapter) EditMessage(ctx context.Context, ref kit.MessageRef, c payload.Content) error {
	chat, _, err := ParseChannelID(ref.Channel)
	if err != nil {
		return kit.ChannelNotFound(err)
	}
	id, err := strconv.Atoi(string(ref.Primary()))
	if err != nil {
		return kit.MessageNotFound(fmt.Errorf("invalid message id %q", ref.Primary()))
	}

	chunks := splitText(render(c), textLimit, tele.ModeHTML)
	if len(chunks) > 1 {
		a.log.Warn("edited content truncated to one message", logx.String("channel", string(ref.Channel)), logx.Int("parts", len(chunks)))
	}
	text := chunks[0]

	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	msg := &tele.Message{ID: id, Chat: &tele.Chat{ID: chat}}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML}
	_, err = a.bot.Edit(msg, text, opt)
	if err != nil && noTextToEdit.MatchString(err.Error()) {
		text = splitText(text, captionLimit, tele.ModeHTML)[0]
		_, err = a.bot.EditCaption(msg, text, opt)
	}
	if err != nil && notModified.MatchString(err.Error()) {
		return nil
	}
	return classify(err, kit.TargetMessage)
}

// DeleteMessage removes every part; the first failure is reported.
func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	chat, _, err := ParseChannelID(ref.Channel)
	if err != nil {
		return kit.ChannelNotFound(err)
	}
	return a.deleteParts(ctx, chat, ref.Parts)
}

func (a *Adapter) deleteParts(ctx context.Context, chat int64, parts []kit.ID) error {
	var first error
	for _, p := range parts {
		id, err := strconv.Atoi(string(p))
		if err == nil {
			if err = a.lim.Wait(ctx); err == nil {
				err = classify(a.bot.Delete(&tele.Message{ID: id, Chat: &tele.Chat{ID: chat}}), kit.TargetMessage)
			}
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ConnectVoice opens a session on a voice topic. Bots cannot join live
// voice chats, so audio is delivered as voice notes into the topic.
func (a *Adapter) ConnectVoice(_ context.Context, ch kit.Channel) (kit.VoiceSession, error) {
	if ch.Kind != kit.KindVoice {
		return nil, errNotVoice
	}
	chat, thread, err := ParseChannelID(ch.ID)
	if err != nil {
		return nil, kit.ChannelNotFound(err)
	}
	return &voiceSession{ch: ch, chat: chat, thread: thread}, nil
}

func (a *Adapter) StreamAudio(ctx context.Context, s kit.VoiceSession, au payload.Audio) error {
	vs, ok := s.(*voiceSession)
	if !ok {
		return fmt.Errorf("telegram: foreign voice session %T", s)
	}
	f, closer, err := inputFile(au.Attachment)
	if err != nil {
		return err
	}
	defer closer()
	_, err = a.send(ctx, vs.chat, vs.thread, &tele.Voice{File: f}, nil)
	return err
}

// SendText posts plain text to target ("chatID" or "chatID/threadID").
// It serves the log chat sink.
func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	chat, thread, err := ParseChannelID(kit.ID(target))
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit, "") {
		if _, err := a.send(ctx, chat, thread, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func inputFile(att payload.Attachment) (tele.File, func(), error) {
	if len(att.Data) > 0 {
		return tele.FromReader(bytes.NewReader(att.Data)), func() {}, nil
	}
	if att.Path == "" {
		return tele.File{}, func() {}, payload.ErrNoData
	}
	rc, err := att.Open()
	if err != nil {
		return tele.File{}, func() {}, err
	}
	return tele.FromReader(io.Reader(rc)), func() { _ = rc.Close() }, nil
}

// render turns text and embed into Telegram HTML.
func render(c payload.Content) string {
	var blocks []tgui.H
	if t := strings.TrimSpace(c.Text); t != "" {
		blocks = append(blocks, tgui.Esc(t))
	}
	if e := c.Embed; e != nil && !e.IsZero() {
		var lines []tgui.H
		if e.Title != "" {
			title := tgui.B(e.Title)
			if e.URL != "" {
				title = tgui.Link(e.URL, title)
			}
			lines = append(lines, title)
		}
		if e.Description != "" {
			lines = append(lines, tgui.Esc(e.Description))
		}
		var inline []tgui.H
		flush := func() {
			if len(inline) > 0 {
				lines = append(lines, tgui.JoinH(" | ", inline...))
				inline = nil
			}
		}
		for _, f := range e.Fields {
			if f.Inline {
				inline = append(inline, tgui.Field(f.Name, f.Value))
				continue
			}
			flush()
			lines = append(lines, tgui.Field(f.Name, f.Value))
		}
		flush()
		if e.Footer != "" {
			lines = append(lines, tgui.I(e.Footer))
		}
		blocks = append(blocks, tgui.JoinH("\n", lines...))
	}
	return tgui.JoinH("\n\n", blocks...).String()
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode tele.ParseMode) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if parseMode == tele.ModeHTML && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
