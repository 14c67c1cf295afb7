package adapter

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "cadence/internal/transport"
)

var (
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)
	slowModeRe   = regexp.MustCompile(`(?i)slow ?mode(?:_wait_(\d+))?`)
	messageGone  = regexp.MustCompile(`(?i)message(?: to (?:edit|delete))? not found|message_id_invalid|message can't be deleted`)
	channelGone  = regexp.MustCompile(`(?i)chat not found|message thread not found|topic_deleted|topic_closed|group chat was upgraded|chat_admin_required`)
	forbidden    = regexp.MustCompile(`(?i)forbidden|not enough rights|have no rights|bot was kicked|bot is not a member|chat_write_forbidden|need administrator rights`)
	notModified  = regexp.MustCompile(`(?i)message is not modified`)
	noTextToEdit = regexp.MustCompile(`(?i)no text in the message to edit`)
)

// classify maps a Bot API failure onto a rejection category. Errors it
// cannot place are returned unchanged; target says what a "not found"
// refers to when the API does not.
func classify(err error, target kit.Target) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := 0
	text := err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
		text = te.Description + " " + te.Message + " " + text
	}

	switch {
	case slowModeRe.MatchString(text):
		return kit.SlowMode(seconds(slowModeRe, text), err)
	case code == 429 || retryAfterRe.MatchString(text):
		return kit.RateLimited(seconds(retryAfterRe, text), err)
	case channelGone.MatchString(text):
		return kit.ChannelNotFound(err)
	case messageGone.MatchString(text):
		return kit.MessageNotFound(err)
	case code == 403 || forbidden.MatchString(text):
		return kit.Forbidden(err)
	case code == 404 || strings.Contains(strings.ToLower(text), "not found"):
		if target == kit.TargetMessage {
			return kit.MessageNotFound(err)
		}
		return kit.ChannelNotFound(err)
	}
	return err
}

// seconds extracts the first capture of re as a duration; 1s when absent.
func seconds(re *regexp.Regexp, text string) time.Duration {
	m := re.FindStringSubmatch(text)
	if len(m) > 1 && m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Second
}
