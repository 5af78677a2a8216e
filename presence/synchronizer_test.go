package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagechat/linkcore/kvstore"
	"github.com/vantagechat/linkcore/stream"
)

type fakeAPI struct {
	mu             sync.Mutex
	users          map[int64]Record
	fetchUserCalls int
	fetchUserErr   error
	online         Page
	onlineErr      error
	updates        []storedStatus
	updateErr      error
}

func (a *fakeAPI) FetchUser(ctx context.Context, userID int64) (Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchUserCalls++
	if a.fetchUserErr != nil {
		return Record{}, a.fetchUserErr
	}
	rec, ok := a.users[userID]
	if !ok {
		return Record{}, errors.New("no such user")
	}
	return rec, nil
}

func (a *fakeAPI) FetchOnline(ctx context.Context, page, pageSize int) (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onlineErr != nil {
		return Page{}, a.onlineErr
	}
	return a.online, nil
}

func (a *fakeAPI) UpdateConnectionStatus(ctx context.Context, status Status, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return a.updateErr
	}
	a.updates = append(a.updates, storedStatus{Status: status, StatusMessage: message})
	return nil
}

func (a *fakeAPI) userCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchUserCalls
}

type fakeStream struct {
	mu             sync.Mutex
	state          stream.State
	statusSubs     []func(stream.UserStatus)
	availSubs      []func(stream.UserAvailability)
	confirmedSubs  []func(stream.StatusConfirmed)
	availConfSubs  []func(stream.AvailabilityConfirmed)
	statusUpdates  [][2]string
	availabilities []bool
	pings          int
}

func (f *fakeStream) State() stream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) UpdateStatus(ctx context.Context, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, [2]string{status, message})
	return nil
}

func (f *fakeStream) SetAvailability(ctx context.Context, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availabilities = append(f.availabilities, available)
	return nil
}

func (f *fakeStream) SendActivityPing(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeStream) OnUserStatus(fn func(stream.UserStatus)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusSubs = append(f.statusSubs, fn)
	return func() {}
}

func (f *fakeStream) OnUserAvailability(fn func(stream.UserAvailability)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availSubs = append(f.availSubs, fn)
	return func() {}
}

func (f *fakeStream) OnStatusConfirmed(fn func(stream.StatusConfirmed)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmedSubs = append(f.confirmedSubs, fn)
	return func() {}
}

func (f *fakeStream) OnAvailabilityConfirmed(fn func(stream.AvailabilityConfirmed)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availConfSubs = append(f.availConfSubs, fn)
	return func() {}
}

func (f *fakeStream) emitStatus(ev stream.UserStatus) {
	f.mu.Lock()
	subs := append([]func(stream.UserStatus){}, f.statusSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeStream) emitAvailability(ev stream.UserAvailability) {
	f.mu.Lock()
	subs := append([]func(stream.UserAvailability){}, f.availSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeStream) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func strPtr(s string) *string { return &s }

func newTestSynchronizer(api *fakeAPI, st *fakeStream, opts ...func(*Options)) *Synchronizer {
	o := Options{
		API:             api,
		Session:         Session{UserID: 7, Username: "selma"},
		ActivityPingGap: time.Millisecond,
		Logger:          zerolog.Nop(),
	}
	if st != nil {
		o.Stream = st
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewSynchronizer(o)
}

func TestStatusCacheMissPullsOnce(t *testing.T) {
	api := &fakeAPI{users: map[int64]Record{
		42: {UserID: 42, Username: "ann", Status: StatusAway},
	}}
	s := newTestSynchronizer(api, nil)

	assert.Equal(t, StatusAway, s.Status(context.Background(), 42))
	assert.Equal(t, StatusAway, s.Status(context.Background(), 42))
	assert.Equal(t, 1, api.userCalls(), "cache hit must not pull again")
}

func TestStatusPullFailureReportsOffline(t *testing.T) {
	api := &fakeAPI{fetchUserErr: errors.New("backend down")}
	s := newTestSynchronizer(api, nil)

	assert.Equal(t, StatusOffline, s.Status(context.Background(), 42))

	_, cached := s.Cached(42)
	assert.False(t, cached, "a failed pull must not poison the cache")
}

func TestOnlineUsersPageOneReplacesCache(t *testing.T) {
	api := &fakeAPI{users: map[int64]Record{
		1: {UserID: 1, Username: "stale", Status: StatusOnline},
	}}
	s := newTestSynchronizer(api, nil)
	s.Status(context.Background(), 1) // seed a soon-to-be-stale entry

	api.mu.Lock()
	api.online = Page{
		Records: []Record{
			{UserID: 2, Username: "beth", Status: StatusOnline},
			{UserID: 3, Username: "carl", Status: StatusBusy},
		},
		Page: 1, PageSize: 10, TotalCount: 2,
	}
	api.mu.Unlock()

	page, err := s.OnlineUsers(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	cached := s.CachedOnlineUsers()
	require.Len(t, cached, 2, "page 1 must replace the cache wholesale")
	assert.EqualValues(t, 2, cached[0].UserID)
	assert.EqualValues(t, 3, cached[1].UserID)
}

func TestStatusChangedTouchesOnlyStatusFields(t *testing.T) {
	activity := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{users: map[int64]Record{
		42: {UserID: 42, Username: "ann", Status: StatusOnline, Department: "Support", LastActivity: activity},
	}}
	st := &fakeStream{state: stream.Connected}
	s := newTestSynchronizer(api, st)
	s.Status(context.Background(), 42)

	st.emitStatus(stream.UserStatus{UserID: 42, Status: "away", StatusMessage: strPtr("lunch")})

	rec, ok := s.Cached(42)
	require.True(t, ok)
	assert.Equal(t, StatusAway, rec.Status)
	assert.Equal(t, "lunch", rec.StatusMessage)
	assert.Equal(t, "Support", rec.Department)
	assert.Equal(t, activity, rec.LastActivity)
}

func TestStatusChangedForUnknownUserIsDropped(t *testing.T) {
	st := &fakeStream{state: stream.Connected}
	s := newTestSynchronizer(&fakeAPI{}, st)

	st.emitStatus(stream.UserStatus{UserID: 99, Status: "online"})

	_, ok := s.Cached(99)
	assert.False(t, ok, "events must never create partial records")
	assert.Empty(t, s.CachedOnlineUsers())
}

func TestAvailabilityChangedUpdatesFlag(t *testing.T) {
	api := &fakeAPI{users: map[int64]Record{
		42: {UserID: 42, Status: StatusOnline, AvailableForChat: true},
	}}
	st := &fakeStream{state: stream.Connected}
	s := newTestSynchronizer(api, st)
	s.Status(context.Background(), 42)

	st.emitAvailability(stream.UserAvailability{UserID: 42, AvailableForChat: false})

	rec, _ := s.Cached(42)
	assert.False(t, rec.AvailableForChat)
}

func TestUpdateMyStatusMirrorsEverywhere(t *testing.T) {
	api := &fakeAPI{}
	st := &fakeStream{state: stream.Connected}
	store := kvstore.NewMemoryStore()
	s := newTestSynchronizer(api, st, func(o *Options) { o.Store = store })

	require.NoError(t, s.UpdateMyStatus(context.Background(), StatusBusy, "deep work"))

	rec, ok := s.Cached(7)
	require.True(t, ok, "own update creates the cache entry optimistically")
	assert.Equal(t, StatusBusy, rec.Status)
	assert.Equal(t, "deep work", rec.StatusMessage)

	st.mu.Lock()
	require.Len(t, st.statusUpdates, 1)
	assert.Equal(t, [2]string{"busy", "deep work"}, st.statusUpdates[0])
	st.mu.Unlock()

	api.mu.Lock()
	require.Len(t, api.updates, 1)
	assert.Equal(t, StatusBusy, api.updates[0].Status)
	api.mu.Unlock()

	// A fresh synchronizer over the same store resumes the status.
	s2 := newTestSynchronizer(&fakeAPI{}, nil, func(o *Options) { o.Store = store })
	require.NoError(t, s2.Start(context.Background()))
	rec2, ok := s2.Cached(7)
	require.True(t, ok)
	assert.Equal(t, StatusBusy, rec2.Status)
	assert.Equal(t, "deep work", rec2.StatusMessage)
}

func TestUpdateMyStatusWhileStreamDownStillMirrors(t *testing.T) {
	api := &fakeAPI{}
	st := &fakeStream{state: stream.Disconnected}
	s := newTestSynchronizer(api, st)

	require.NoError(t, s.UpdateMyStatus(context.Background(), StatusOnline, ""))

	st.mu.Lock()
	assert.Empty(t, st.statusUpdates, "no streamed update while disconnected")
	st.mu.Unlock()
	api.mu.Lock()
	assert.Len(t, api.updates, 1, "the HTTP mirror always runs")
	api.mu.Unlock()
}

func TestUpdateMyStatusWithoutSession(t *testing.T) {
	s := newTestSynchronizer(&fakeAPI{}, nil, func(o *Options) { o.Session = Session{} })
	require.Error(t, s.UpdateMyStatus(context.Background(), StatusOnline, ""))
}

func TestRecordActivityIsRateLimited(t *testing.T) {
	st := &fakeStream{state: stream.Connected}
	s := newTestSynchronizer(&fakeAPI{}, st, func(o *Options) { o.ActivityPingGap = time.Hour })

	require.NoError(t, s.RecordActivity(context.Background()))
	require.NoError(t, s.RecordActivity(context.Background()))
	assert.Equal(t, 1, st.pingCount(), "back-to-back activity must collapse to one ping")
}

func TestRecordActivityWhileDisconnectedIsNoop(t *testing.T) {
	st := &fakeStream{state: stream.Disconnected}
	s := newTestSynchronizer(&fakeAPI{}, st)

	require.NoError(t, s.RecordActivity(context.Background()))
	assert.Zero(t, st.pingCount())
}

func TestHeartbeatPingsWhileConnected(t *testing.T) {
	st := &fakeStream{state: stream.Connected}
	s := newTestSynchronizer(&fakeAPI{}, st, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
		o.ActivityPingGap = time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return st.pingCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusOnline, ParseStatus("Online"))
	assert.Equal(t, StatusAway, ParseStatus(" away "))
	assert.Equal(t, StatusBusy, ParseStatus("busy"))
	assert.Equal(t, StatusOffline, ParseStatus("mystery"))
	assert.Equal(t, StatusOffline, ParseStatus(""))
}
