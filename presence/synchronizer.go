package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vantagechat/linkcore/kvstore"
	"github.com/vantagechat/linkcore/stream"
)

// Session identifies the logged-in user. It is injected at construction;
// the synchronizer never reads ambient session state.
type Session struct {
	UserID   int64
	Username string
}

func (s Session) active() bool { return s.UserID != 0 }

// Stream is the slice of the connection manager the synchronizer needs.
type Stream interface {
	State() stream.State
	UpdateStatus(ctx context.Context, status, message string) error
	SetAvailability(ctx context.Context, available bool) error
	SendActivityPing(ctx context.Context) error
	OnUserStatus(fn func(stream.UserStatus)) func()
	OnUserAvailability(fn func(stream.UserAvailability)) func()
	OnStatusConfirmed(fn func(stream.StatusConfirmed)) func()
	OnAvailabilityConfirmed(fn func(stream.AvailabilityConfirmed)) func()
}

type Options struct {
	API     API
	Stream  Stream
	Store   kvstore.Store
	Session Session

	// HeartbeatInterval drives the automatic activity ping; defaults to
	// one minute.
	HeartbeatInterval time.Duration
	// ActivityPingGap is the minimum spacing between outbound activity
	// pings; defaults to ten seconds.
	ActivityPingGap time.Duration

	Logger zerolog.Logger
}

// Synchronizer owns the presence cache. Queries are served from the cache
// where possible and fall back to single pulls; streamed events and bulk
// pulls reconcile the cache in place. All methods are safe for concurrent
// use.
type Synchronizer struct {
	api       API
	stream    Stream
	store     kvstore.Store
	session   Session
	heartbeat time.Duration
	limiter   *rate.Limiter
	log       zerolog.Logger

	mu    sync.Mutex
	cache map[int64]*Record

	unsubs []func()
}

func NewSynchronizer(opts Options) *Synchronizer {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	gap := opts.ActivityPingGap
	if gap <= 0 {
		gap = 10 * time.Second
	}
	s := &Synchronizer{
		api:       opts.API,
		stream:    opts.Stream,
		store:     opts.Store,
		session:   opts.Session,
		heartbeat: heartbeat,
		limiter:   rate.NewLimiter(rate.Every(gap), 1),
		log:       opts.Logger,
		cache:     make(map[int64]*Record),
	}
	if s.stream != nil {
		s.unsubs = append(s.unsubs,
			s.stream.OnUserStatus(s.applyStatusChanged),
			s.stream.OnUserAvailability(s.applyAvailabilityChanged),
			s.stream.OnStatusConfirmed(s.applyOwnStatusConfirmed),
			s.stream.OnAvailabilityConfirmed(s.applyOwnAvailabilityConfirmed),
		)
	}
	return s
}

// Start restores the durable own-status mirror and launches the heartbeat.
// The heartbeat stops when ctx is cancelled.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.restoreOwnStatus(ctx)
	go s.heartbeatLoop(ctx)
	return nil
}

// Close detaches the stream subscriptions.
func (s *Synchronizer) Close() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return nil
}

// Status returns the user's presence. A cache miss pulls the single user;
// a failed pull reports StatusOffline and never surfaces the error.
func (s *Synchronizer) Status(ctx context.Context, userID int64) Status {
	s.mu.Lock()
	if rec, ok := s.cache[userID]; ok {
		status := rec.Status
		s.mu.Unlock()
		return status
	}
	s.mu.Unlock()

	rec, err := s.api.FetchUser(ctx, userID)
	if err != nil {
		s.log.Debug().Int64("user_id", userID).Err(err).Msg("presence lookup failed; reporting offline")
		return StatusOffline
	}
	s.mu.Lock()
	s.cache[rec.UserID] = &rec
	status := rec.Status
	s.mu.Unlock()
	return status
}

// Cached returns a copy of the cached record, when one exists.
func (s *Synchronizer) Cached(userID int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// OnlineUsers pulls one page of online users. Page 1 replaces the whole
// cache with the fetched page so stale entries never accumulate.
func (s *Synchronizer) OnlineUsers(ctx context.Context, page, pageSize int) (Page, error) {
	result, err := s.api.FetchOnline(ctx, page, pageSize)
	if err != nil {
		return Page{}, err
	}

	s.mu.Lock()
	if page == 1 {
		s.cache = make(map[int64]*Record, len(result.Records))
	}
	for i := range result.Records {
		rec := result.Records[i]
		s.cache[rec.UserID] = &rec
	}
	s.mu.Unlock()
	return result, nil
}

// CachedOnlineUsers returns copies of every cached record that is not
// offline, ordered by user id.
func (s *Synchronizer) CachedOnlineUsers() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.cache))
	for _, rec := range s.cache {
		if rec.Status != StatusOffline {
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UpdateMyStatus applies the caller's own status everywhere it matters:
// optimistically to the cache, best-effort over the stream, durably via
// the HTTP API, and into the key-value mirror so a restarted client can
// resume it.
func (s *Synchronizer) UpdateMyStatus(ctx context.Context, status Status, message string) error {
	if !s.session.active() {
		return errors.New("presence: no active session")
	}

	s.mu.Lock()
	rec, ok := s.cache[s.session.UserID]
	if !ok {
		rec = &Record{UserID: s.session.UserID, Username: s.session.Username}
		s.cache[s.session.UserID] = rec
	}
	rec.Status = status
	rec.StatusMessage = message
	s.mu.Unlock()

	if s.stream != nil && s.stream.State() == stream.Connected {
		if err := s.stream.UpdateStatus(ctx, string(status), message); err != nil {
			s.log.Debug().Err(err).Msg("streamed status update dropped; HTTP mirror will catch up")
		}
	}

	if err := s.api.UpdateConnectionStatus(ctx, status, message); err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	s.persistOwnStatus(ctx, status, message)
	return nil
}

// SetMyAvailability updates the caller's chat availability, optimistically
// in the cache and best-effort over the stream.
func (s *Synchronizer) SetMyAvailability(ctx context.Context, available bool) error {
	if !s.session.active() {
		return errors.New("presence: no active session")
	}

	s.mu.Lock()
	if rec, ok := s.cache[s.session.UserID]; ok {
		rec.AvailableForChat = available
	}
	s.mu.Unlock()

	if s.stream == nil || s.stream.State() != stream.Connected {
		return nil
	}
	return s.stream.SetAvailability(ctx, available)
}

// RecordActivity emits one rate-limited activity ping over the stream. It
// is a pure liveness signal: nothing is persisted and nothing is queued
// while the stream is down.
func (s *Synchronizer) RecordActivity(ctx context.Context) error {
	if s.stream == nil || s.stream.State() != stream.Connected {
		return nil
	}
	if !s.limiter.Allow() {
		return nil
	}
	return s.stream.SendActivityPing(ctx)
}

func (s *Synchronizer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.session.active() {
				continue
			}
			if err := s.RecordActivity(ctx); err != nil {
				s.log.Debug().Err(err).Msg("heartbeat activity ping failed")
			}
		}
	}
}

// Reconciliation. Events update existing entries field-by-field; an event
// for a user the cache has never seen is dropped, since a partial record
// would misrepresent the fields the event does not carry.

func (s *Synchronizer) applyStatusChanged(ev stream.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[ev.UserID]
	if !ok {
		s.log.Debug().Int64("user_id", ev.UserID).Msg("status event for unknown user; dropping")
		return
	}
	rec.Status = ParseStatus(ev.Status)
	if ev.StatusMessage != nil {
		rec.StatusMessage = *ev.StatusMessage
	}
}

func (s *Synchronizer) applyAvailabilityChanged(ev stream.UserAvailability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[ev.UserID]
	if !ok {
		return
	}
	rec.AvailableForChat = ev.AvailableForChat
}

func (s *Synchronizer) applyOwnStatusConfirmed(ev stream.StatusConfirmed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[s.session.UserID]
	if !ok {
		return
	}
	rec.Status = ParseStatus(ev.Status)
	rec.StatusMessage = ev.StatusMessage
}

func (s *Synchronizer) applyOwnAvailabilityConfirmed(ev stream.AvailabilityConfirmed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cache[s.session.UserID]
	if !ok {
		return
	}
	rec.AvailableForChat = ev.AvailableForChat
}

// Durable own-status mirror.

type storedStatus struct {
	Status        Status `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

func (s *Synchronizer) ownStatusKey() string {
	return fmt.Sprintf("presence:self:%d", s.session.UserID)
}

func (s *Synchronizer) persistOwnStatus(ctx context.Context, status Status, message string) {
	if s.store == nil || !s.session.active() {
		return
	}
	data, err := json.Marshal(storedStatus{Status: status, StatusMessage: message})
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, s.ownStatusKey(), data); err != nil {
		s.log.Warn().Err(err).Msg("could not persist own status")
	}
}

func (s *Synchronizer) restoreOwnStatus(ctx context.Context) {
	if s.store == nil || !s.session.active() {
		return
	}
	data, err := s.store.Get(ctx, s.ownStatusKey())
	if err != nil {
		if !errors.Is(err, kvstore.ErrKeyNotFound) {
			s.log.Warn().Err(err).Msg("could not restore own status")
		}
		return
	}
	var stored storedStatus
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[s.session.UserID]; ok {
		return
	}
	s.cache[s.session.UserID] = &Record{
		UserID:        s.session.UserID,
		Username:      s.session.Username,
		Status:        stored.Status,
		StatusMessage: stored.StatusMessage,
	}
}
