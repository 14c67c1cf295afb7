package trace

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/message"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultQueue = 256
	writeTimeout = 5 * time.Second
	flushGrace   = 2 * time.Second
)

// Config selects where records go. Driver "log" writes records to the
// service logger; every other driver is handled by package storage.
type Config struct {
	Storage storage.Config
	Queue   int
}

func (c Config) driver() string { return strings.ToLower(strings.TrimSpace(c.Storage.Driver)) }

type Stats struct {
	Queued  uint64 `json:"queued"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Service is a Sink that hands records to a single writer goroutine.
// Record never blocks: when the queue is full the record is dropped.
type Service struct {
	log   logx.Logger
	runID string
	queue chan Record

	mu    sync.RWMutex
	cfg   Config
	store storage.Store
	// wmu is held across one Append. A store is closed only under it.
	wmu sync.Mutex

	sup *supervisor.Supervisor

	queued, written, dropped, failed atomic.Uint64
}

var _ Sink = (*Service)(nil)

// NewService opens the configured store. The queue size is fixed for the
// lifetime of the service; Apply only swaps the store.
func NewService(ctx context.Context, cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	s := &Service{
		log:   log.With(logx.Component("trace")),
		runID: uuid.NewString(),
		queue: make(chan Record, cfg.Queue),
	}
	st, err := s.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.cfg, s.store = cfg, st
	return s, nil
}

func (s *Service) open(ctx context.Context, cfg Config) (storage.Store, error) {
	switch cfg.driver() {
	case "log":
		return logStore{log: s.log}, nil
	default:
		return storage.Open(ctx, cfg.Storage, s.log)
	}
}

// RunID identifies this process in every record it writes.
func (s *Service) RunID() string { return s.runID }

func (s *Service) Start(ctx context.Context) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("trace.writer", s.run)
	s.log.Info("trace started", logx.String("driver", s.cfg.driver()), logx.String("run_id", s.runID))
	return nil
}

// Apply swaps the store when the storage settings changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.RLock()
	same := reflect.DeepEqual(s.cfg.Storage, cfg.Storage)
	s.mu.RUnlock()
	if same {
		return nil
	}
	st, err := s.open(ctx, cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.store
	cfg.Queue = s.cfg.Queue
	s.cfg, s.store = cfg, st
	s.mu.Unlock()
	if old != nil {
		s.wmu.Lock()
		err := old.Close()
		s.wmu.Unlock()
		if err != nil {
			s.log.Warn("previous trace store close failed", logx.Err(err))
		}
	}
	s.log.Info("trace reconfigured", logx.String("driver", cfg.driver()))
	return nil
}

func (s *Service) Record(_ context.Context, gc GroupContext, out *message.Outcome) {
	if out == nil {
		return
	}
	s.mu.RLock()
	enabled := s.store != nil
	s.mu.RUnlock()
	if !enabled {
		return
	}
	select {
	case s.queue <- NewRecord(s.runID, gc, out):
		s.queued.Add(1)
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.log.Warn("trace queue full, dropping records", logx.Uint64("dropped", s.dropped.Load()))
		}
	}
}

func (s *Service) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case r := <-s.queue:
			s.write(ctx, r)
		}
	}
}

func (s *Service) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushGrace)
	defer cancel()
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		default:
			return
		}
	}
}

func (s *Service) write(ctx context.Context, r Record) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	if st == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("trace encode failed", logx.String("id", r.ID), logx.Err(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = st.Append(wctx, storage.Entry{
		ID:      r.ID,
		At:      r.At,
		RunID:   r.RunID,
		Group:   r.Group.ID,
		Message: r.Message,
		Status:  r.Status,
		Body:    body,
	})
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("trace write failed", logx.String("id", r.ID), logx.Err(err))
		return
	}
	s.written.Add(1)
}

// Recent lists stored records newest first, when the driver can read back.
func (s *Service) Recent(ctx context.Context, n int) ([]json.RawMessage, bool, error) {
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	r, ok := st.(storage.Reader)
	if !ok {
		return nil, false, nil
	}
	entries, err := r.Recent(ctx, n)
	if err != nil {
		return nil, true, err
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e.Body))
	}
	return out, true, nil
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// Stop drains the queue and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	if s.sup != nil {
		if err := s.sup.Stop(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	st := s.store
	s.store = nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return st.Close()
}

// logStore writes records to the logger instead of storing them.
type logStore struct{ log logx.Logger }

func (l logStore) Append(_ context.Context, e storage.Entry) error {
	l.log.Info("outcome",
		logx.String("id", e.ID),
		logx.String("group", e.Group),
		logx.String("message", e.Message),
		logx.String("status", e.Status),
		logx.String("record", string(e.Body)),
	)
	return nil
}

func (logStore) Close() error { return nil }
