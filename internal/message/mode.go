package message

import (
	"fmt"
	"strings"
)

// Mode controls what happens to the message previously sent to a channel.
type Mode int

const (
	// ModeCreate always posts a new message.
	ModeCreate Mode = iota
	// ModeEdit edits the previous message, or creates one when there is none.
	ModeEdit
	// ModeClearAndCreate deletes the previous message, then posts a new one.
	ModeClearAndCreate
)

func (m Mode) String() string {
	switch m {
	case ModeEdit:
		return "edit"
	case ModeClearAndCreate:
		return "clear-send"
	default:
		return "send"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "send", "create":
		return ModeCreate, nil
	case "edit":
		return ModeEdit, nil
	case "clear-send", "clear_send", "clear-and-create":
		return ModeClearAndCreate, nil
	default:
		return ModeCreate, fmt.Errorf("unknown mode %q (want send, edit or clear-send)", s)
	}
}
