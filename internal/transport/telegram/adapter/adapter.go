// Package adapter is the Telegram backend: chats are groups and forum
// topics are channels. Channel ids are "chatID" for the general topic and
// "chatID/threadID" for any other topic.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	rtsup "cadence/internal/runtime/supervisor"
	kit "cadence/internal/transport"
	logx "cadence/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultRatePerSec  = 20
	generalTopicName   = "general"
)

type Topic struct {
	ID   int
	Name string
	Kind kit.ChannelKind
}

type Chat struct {
	ID     int64
	Name   string
	Topics []Topic
}

type Config struct {
	Token       string
	PollTimeout time.Duration
	RatePerSec  int
	// Chats are known before any update arrives.
	Chats []Chat
	// Offline skips the getMe call on construction.
	Offline bool
}

type chatEntry struct {
	name   string
	topics map[int]Topic
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	lim *rate.Limiter

	mu    sync.RWMutex
	chats map[int64]*chatEntry

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	learned atomic.Uint64
}

var (
	_ kit.Platform = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("telegram.adapter"))

	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:   cfg,
		log:   log,
		bot:   b,
		lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		chats: map[int64]*chatEntry{},
	}
	for _, c := range cfg.Chats {
		a.seed(c)
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) seed(c Chat) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(c.ID, c.Name)
	for _, t := range c.Topics {
		if t.ID == 0 {
			continue
		}
		if t.Name == "" {
			t.Name = "topic-" + strconv.Itoa(t.ID)
		}
		e.topics[t.ID] = t
	}
}

func (a *Adapter) entryLocked(id int64, name string) *chatEntry {
	e, ok := a.chats[id]
	if !ok {
		e = &chatEntry{topics: map[int]Topic{}}
		a.chats[id] = e
	}
	if name != "" {
		e.name = name
	}
	if e.name == "" {
		e.name = strconv.FormatInt(id, 10)
	}
	return e
}

// learn records a chat seen in an update. Private chats are never groups.
func (a *Adapter) learn(c *tele.Chat) {
	if c == nil || c.Type == tele.ChatPrivate {
		return
	}
	a.mu.Lock()
	_, known := a.chats[c.ID]
	e := a.entryLocked(c.ID, c.Title)
	name := e.name
	a.mu.Unlock()
	if !known {
		a.learned.Add(1)
		a.log.Info("chat discovered", logx.Int64("chat", c.ID), logx.String("name", name))
	}
}

func (a *Adapter) forget(id int64) {
	a.mu.Lock()
	_, ok := a.chats[id]
	delete(a.chats, id)
	a.mu.Unlock()
	if ok {
		a.log.Info("chat left", logx.Int64("chat", id))
	}
}

func (a *Adapter) learnTopic(chat int64, thread int, name string) {
	if thread == 0 || name == "" {
		return
	}
	a.mu.Lock()
	e := a.entryLocked(chat, "")
	t, ok := e.topics[thread]
	if !ok {
		t = Topic{ID: thread, Kind: kit.KindText}
	}
	t.Name = name
	e.topics[thread] = t
	a.mu.Unlock()
	a.log.Debug("topic learned", logx.Int64("chat", chat), logx.Int("thread", thread), logx.String("name", name))
}

func (a *Adapter) registerHandlers() {
	learnFromMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.learn(m.Chat)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, learnFromMessage)
	a.bot.Handle(tele.OnAddedToGroup, learnFromMessage)

	a.bot.Handle(tele.OnTopicCreated, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.TopicCreated == nil {
			return nil
		}
		a.learn(m.Chat)
		a.learnTopic(m.Chat.ID, m.ThreadID, m.TopicCreated.Name)
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		u := c.ChatMember()
		if u == nil || u.Chat == nil || u.NewChatMember == nil {
			return nil
		}
		switch u.NewChatMember.Role {
		case tele.Left, tele.Kicked:
			a.forget(u.Chat.ID)
		default:
			a.learn(u.Chat)
		}
		return nil
	})
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Start runs the update poller, which is only used to discover chats and
// topics. Sending works without it.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	// Never hold shutdown hostage to a pending getUpdates long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// channel ids

// GroupID is the directory id of a chat.
func GroupID(chat int64) kit.ID { return kit.ID(strconv.FormatInt(chat, 10)) }

// ChannelID is "chat" for the general topic and "chat/thread" otherwise.
func ChannelID(chat int64, thread int) kit.ID {
	if thread == 0 {
		return GroupID(chat)
	}
	return kit.ID(fmt.Sprintf("%d/%d", chat, thread))
}

func ParseChannelID(id kit.ID) (chat int64, thread int, err error) {
	head, tail, hasThread := strings.Cut(strings.TrimSpace(string(id)), "/")
	chat, err = strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q", id)
	}
	if hasThread {
		thread, err = strconv.Atoi(tail)
		if err != nil || thread < 0 {
			return 0, 0, fmt.Errorf("invalid thread id in %q", id)
		}
	}
	return chat, thread, nil
}

// Directory

func (a *Adapter) ResolveGroup(ctx context.Context, id kit.ID) (kit.Group, bool, error) {
	chat, thread, err := ParseChannelID(id)
	if err != nil || thread != 0 {
		return kit.Group{}, false, nil
	}
	a.mu.RLock()
	e, ok := a.chats[chat]
	var name string
	if ok {
		name = e.name
	}
	a.mu.RUnlock()
	if ok {
		return kit.Group{ID: GroupID(chat), Name: name}, true, nil
	}

	if err := a.lim.Wait(ctx); err != nil {
		return kit.Group{}, false, err
	}
	c, err := a.bot.ChatByID(chat)
	if err != nil {
		if cat := kit.CategoryOf(classify(err, kit.TargetChannel)); cat == kit.CategoryNotFound || cat == kit.CategoryForbidden {
			return kit.Group{}, false, nil
		}
		return kit.Group{}, false, err
	}
	if c.Type == tele.ChatPrivate {
		return kit.Group{}, false, nil
	}
	a.learn(c)
	a.mu.RLock()
	name = a.chats[chat].name
	a.mu.RUnlock()
	return kit.Group{ID: GroupID(chat), Name: name}, true, nil
}

// ResolveChannel accepts the general topic of a known chat, any declared
// topic, and undeclared topic ids referenced explicitly (as text channels).
func (a *Adapter) ResolveChannel(ctx context.Context, id kit.ID) (kit.Channel, bool, error) {
	chat, thread, err := ParseChannelID(id)
	if err != nil {
		return kit.Channel{}, false, nil
	}
	g, ok, err := a.ResolveGroup(ctx, GroupID(chat))
	if err != nil || !ok {
		return kit.Channel{}, false, err
	}
	if thread == 0 {
		return kit.Channel{ID: g.ID, GroupID: g.ID, Name: generalTopicName, Kind: kit.KindText}, true, nil
	}
	a.mu.RLock()
	t, known := a.chats[chat].topics[thread]
	a.mu.RUnlock()
	if !known {
		t = Topic{ID: thread, Name: "topic-" + strconv.Itoa(thread), Kind: kit.KindText}
	}
	return kit.Channel{ID: ChannelID(chat, thread), GroupID: g.ID, Name: t.Name, Kind: t.Kind}, true, nil
}

func (a *Adapter) ListVisibleGroups(context.Context) ([]kit.Group, error) {
	a.mu.RLock()
	out := make([]kit.Group, 0, len(a.chats))
	for id, e := range a.chats {
		out = append(out, kit.Group{ID: GroupID(id), Name: e.name})
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Adapter) ListChannelsOf(_ context.Context, g kit.Group) ([]kit.Channel, error) {
	chat, _, err := ParseChannelID(g.ID)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.chats[chat]
	if !ok {
		return nil, nil
	}
	out := []kit.Channel{{ID: g.ID, GroupID: g.ID, Name: generalTopicName, Kind: kit.KindText}}
	ids := make([]int, 0, len(e.topics))
	for id := range e.topics {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		t := e.topics[id]
		out = append(out, kit.Channel{ID: ChannelID(chat, id), GroupID: g.ID, Name: t.Name, Kind: t.Kind})
	}
	return out, nil
}
