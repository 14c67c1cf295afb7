package payload

import "strings"

// Content is a classified payload: at most one text, at most one embed,
// any number of attachments and at most one audio source.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Embed       *Embed       `json:"embed,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Audio       *Audio       `json:"audio,omitempty"`
}

// Classify folds a produced value into Content. Later text, embed and audio
// parts replace earlier ones; attachments accumulate in order. Nil parts,
// blank text and empty embeds are ignored.
func Classify(v Value) Content {
	var c Content
	for _, p := range v {
		switch x := p.(type) {
		case Text:
			if strings.TrimSpace(string(x)) != "" {
				c.Text = string(x)
			}
		case Embed:
			if !x.IsZero() {
				e := x
				c.Embed = &e
			}
		case *Embed:
			if x != nil && !x.IsZero() {
				e := *x
				c.Embed = &e
			}
		case Attachment:
			c.Attachments = append(c.Attachments, x)
		case Audio:
			a := x
			c.Audio = &a
		}
	}
	return c
}

// Empty reports whether there is nothing to send.
func (c Content) Empty() bool {
	return c.Text == "" && c.Embed == nil && len(c.Attachments) == 0 && c.Audio == nil
}

// Visual drops the audio source.
func (c Content) Visual() Content {
	c.Audio = nil
	return c
}

// AudioOnly keeps only the audio source.
func (c Content) AudioOnly() Content {
	return Content{Audio: c.Audio}
}

// AttachmentNames lists attachment file names in order.
func (c Content) AttachmentNames() []string {
	if len(c.Attachments) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Attachments))
	for _, a := range c.Attachments {
		out = append(out, a.FileName())
	}
	return out
}
