// Package stream merges a conversation's live tail with on-demand backward pagination
// into one ordered, duplicate-free message sequence.
//
// A Stream holds messages in ascending (CreatedAt, ID) order. Tail pushes always carry
// the full newest window and are reconciled by message ID; pages of older history are
// prepended. Nothing is ever removed from the held sequence.
package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrBusy is returned by LoadOlder while another page request is in flight.
	ErrBusy = errors.New("stream: pagination already in flight")
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream: closed")
)

// State is the lifecycle state of a Stream.
type State int

const (
	StateInitializing State = iota
	StateLive
	StatePaging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	case StatePaging:
		return "paging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Source supplies a conversation's messages.
type Source interface {
	// SubscribeTail delivers the newest n messages in descending order, once right
	// away and again whenever that window changes. The channel is closed when ctx
	// is done.
	SubscribeTail(ctx context.Context, conversationID uuid.UUID, n int) (<-chan []model.Message, error)
	// ListBefore returns up to limit messages strictly older than cursor, newest first.
	ListBefore(ctx context.Context, conversationID uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error)
	// ListAfter returns up to limit messages strictly newer than cursor, oldest first.
	ListAfter(ctx context.Context, conversationID uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error)
}

// Options sizes the tail window and the backward pages.
type Options struct {
	TailSize int
	PageSize int
}

// DefaultOptions returns a 30 message tail and 20 message pages.
func DefaultOptions() Options {
	return Options{TailSize: 30, PageSize: 20}
}

// Snapshot is an immutable copy of a stream's materialized sequence.
type Snapshot struct {
	Messages []model.Message
	HasMore  bool
	State    State
}

// Stream is one consumer's view of a conversation.
type Stream struct {
	src            Source
	conversationID uuid.UUID
	opts           Options
	onPush         func(Snapshot)

	mu       sync.Mutex
	messages []model.Message
	index    map[uuid.UUID]int
	cursor   *model.Cursor
	hasMore  bool
	state    State
	paging   bool

	// deliverMu serializes push callbacks so consumers observe snapshots in order.
	deliverMu sync.Mutex
	// closed is set by Close and checked immediately before each callback.
	closed atomic.Bool

	subCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open subscribes to the conversation tail and waits for the first window. ctx bounds
// only that wait; the subscription lives until Close. onPush, if set, receives a
// snapshot after every tail change that altered the sequence. Once Close has returned
// no further callback is dispatched; Close does not wait for one already running, so
// onPush may itself call Close.
func Open(ctx context.Context, src Source, conversationID uuid.UUID, opts Options, onPush func(Snapshot)) (*Stream, error) {
	if opts.TailSize <= 0 || opts.PageSize <= 0 {
		def := DefaultOptions()
		if opts.TailSize <= 0 {
			opts.TailSize = def.TailSize
		}
		if opts.PageSize <= 0 {
			opts.PageSize = def.PageSize
		}
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		src:            src,
		conversationID: conversationID,
		opts:           opts,
		onPush:         onPush,
		index:          map[uuid.UUID]int{},
		state:          StateInitializing,
		subCtx:         subCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	windows, err := src.SubscribeTail(subCtx, conversationID, opts.TailSize)
	if err != nil {
		cancel()
		return nil, err
	}

	var first []model.Message
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case w, ok := <-windows:
		if !ok {
			cancel()
			return nil, ErrClosed
		}
		first = w
	}

	s.mu.Lock()
	s.mergeLocked(reversed(first))
	if len(s.messages) > 0 {
		oldest := s.messages[0].Cursor()
		s.cursor = &oldest
	}
	s.hasMore = len(first) == opts.TailSize
	s.state = StateLive
	s.mu.Unlock()

	go s.pump(windows)
	return s, nil
}

// Snapshot returns the current sequence.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the tail subscription has been released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// LoadOlder fetches the page strictly older than the oldest held message and merges
// it in front. Without further history it returns the current snapshot without a query.
func (s *Stream) LoadOlder(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return Snapshot{}, ErrClosed
	case s.paging:
		s.mu.Unlock()
		return Snapshot{}, ErrBusy
	case !s.hasMore || s.cursor == nil:
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	s.paging = true
	s.state = StatePaging
	cursor := *s.cursor
	s.mu.Unlock()

	// Close cancels the request in flight.
	pageCtx, cancelPage := context.WithCancel(ctx)
	defer cancelPage()
	stop := context.AfterFunc(s.subCtx, cancelPage)
	defer stop()

	page, err := s.src.ListBefore(pageCtx, s.conversationID, cursor, s.opts.PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paging = false
	if s.state == StateClosed {
		return Snapshot{}, ErrClosed
	}
	s.state = StateLive
	if err != nil {
		return Snapshot{}, err
	}

	s.mergeLocked(page)
	if len(page) > 0 {
		oldest := page[len(page)-1].Cursor()
		s.cursor = &oldest
	}
	s.hasMore = len(page) == s.opts.PageSize
	return s.snapshotLocked(), nil
}

// Close releases the subscription. It is idempotent, never blocks and is safe while a
// page request is in flight; that request's result is discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closed.Store(true)
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) pump(windows <-chan []model.Message) {
	defer close(s.done)
	for window := range windows {
		s.applyWindow(reversed(window))
	}
}

// applyWindow merges an ascending tail window, first reading forward over any gap
// between the newest held message and the window.
func (s *Stream) applyWindow(window []model.Message) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	var gapFrom *model.Cursor
	if n := len(s.messages); n > 0 && len(window) == s.opts.TailSize &&
		model.CompareMessages(window[0], s.messages[n-1]) > 0 {
		c := s.messages[n-1].Cursor()
		gapFrom = &c
	}
	s.mu.Unlock()

	var fill []model.Message
	if gapFrom != nil {
		fill = s.fillGap(*gapFrom, window[0])
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	changed := s.mergeLocked(fill)
	if s.mergeLocked(window) {
		changed = true
	}
	if s.cursor == nil && len(s.messages) > 0 {
		// First messages of a conversation that was empty when opened.
		oldest := s.messages[0].Cursor()
		s.cursor = &oldest
		s.hasMore = len(window) == s.opts.TailSize && gapFrom == nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed && s.onPush != nil && !s.closed.Load() {
		s.onPush(snap)
	}
}

func (s *Stream) fillGap(from model.Cursor, until model.Message) []model.Message {
	var out []model.Message
	for s.subCtx.Err() == nil {
		page, err := s.src.ListAfter(s.subCtx, s.conversationID, from, s.opts.TailSize)
		if err != nil {
			if s.subCtx.Err() == nil {
				log.Warn("Stream gap fill failed", "conversationID", s.conversationID, "err", err)
			}
			break
		}
		out = append(out, page...)
		if len(page) < s.opts.TailSize || model.CompareMessages(page[len(page)-1], until) >= 0 {
			break
		}
		from = page[len(page)-1].Cursor()
	}
	return out
}

// mergeLocked reconciles incoming messages by ID. Known messages keep their payload
// and may only move their status forward. It reports whether anything changed.
func (s *Stream) mergeLocked(incoming []model.Message) bool {
	changed := false
	added := false
	for _, m := range incoming {
		if i, ok := s.index[m.ID]; ok {
			if m.Status.Rank() > s.messages[i].Status.Rank() {
				s.messages[i].Status = m.Status
				changed = true
			}
			continue
		}
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
		added = true
	}
	if added {
		slices.SortFunc(s.messages, model.CompareMessages)
		for i, m := range s.messages {
			s.index[m.ID] = i
		}
		changed = true
	}
	return changed
}

func (s *Stream) snapshotLocked() Snapshot {
	return Snapshot{
		Messages: slices.Clone(s.messages),
		HasMore:  s.hasMore,
		State:    s.state,
	}
}

func reversed(in []model.Message) []model.Message {
	out := slices.Clone(in)
	slices.Reverse(out)
	return out
}
