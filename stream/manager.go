package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vantagechat/linkcore/connectivity"
	"github.com/vantagechat/linkcore/fault"
	"github.com/vantagechat/linkcore/internal/backoff"
)

// Network is the slice of the connectivity monitor the manager needs.
type Network interface {
	Current() connectivity.Snapshot
	Subscribe(fn func(connectivity.Snapshot)) func()
}

type Options struct {
	Transport    Transport
	Tokens       TokenProvider
	Network      Network
	Schedule     backoff.Schedule
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Manager owns the one logical streaming connection. Public methods are
// safe to call concurrently; the connection state only transitions under
// the manager's guard, and event dispatch happens outside it so subscriber
// code never blocks reconnection logic.
type Manager struct {
	transport    Transport
	tokens       TokenProvider
	network      Network
	schedule     backoff.Schedule
	pingInterval time.Duration
	log          zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	cancel      context.CancelFunc
	gen         int
	attempts    int
	offlineDown bool

	unsubNetwork func()

	stateSubs        *registry[State]
	notifications    *registry[Notification]
	chatMessages     *registry[ChatMessage]
	messageStatuses  *registry[MessageStatus]
	connStatuses     *registry[ConnectionStatus]
	userStatuses     *registry[UserStatus]
	userAvailability *registry[UserAvailability]
	availConfirmed   *registry[AvailabilityConfirmed]
	statusConfirmed  *registry[StatusConfirmed]
	streamErrors     *registry[StreamError]
}

func NewManager(opts Options) *Manager {
	schedule := opts.Schedule
	if schedule.Base <= 0 {
		schedule = backoff.Default()
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	m := &Manager{
		transport:        opts.Transport,
		tokens:           opts.Tokens,
		network:          opts.Network,
		schedule:         schedule,
		pingInterval:     pingInterval,
		log:              opts.Logger,
		state:            Disconnected,
		stateSubs:        newRegistry[State](),
		notifications:    newRegistry[Notification](),
		chatMessages:     newRegistry[ChatMessage](),
		messageStatuses:  newRegistry[MessageStatus](),
		connStatuses:     newRegistry[ConnectionStatus](),
		userStatuses:     newRegistry[UserStatus](),
		userAvailability: newRegistry[UserAvailability](),
		availConfirmed:   newRegistry[AvailabilityConfirmed](),
		statusConfirmed:  newRegistry[StatusConfirmed](),
		streamErrors:     newRegistry[StreamError](),
	}
	if m.network != nil {
		m.unsubNetwork = m.network.Subscribe(m.onConnectivity)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect performs one handshake. A failed handshake leaves the manager
// Disconnected; the caller decides whether to try again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connect: connection is %s", state)
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.offlineDown = false
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()
	notify()

	if err := m.dial(ctx, sessCtx); err != nil {
		m.mu.Lock()
		if m.state == Connecting {
			m.cancel = nil
			notify := m.setStateLocked(Disconnected)
			m.mu.Unlock()
			cancel()
			notify()
		} else {
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// Disconnect tears the connection down from any state. No inbound events
// are delivered afterward.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.cancel = nil
	m.offlineDown = false
	notifyClosing := m.setStateLocked(Closing)
	m.mu.Unlock()
	notifyClosing()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close("client requested disconnect")
	}

	m.mu.Lock()
	notify := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	notify()
	return nil
}

// Close releases the connectivity subscription and disconnects.
func (m *Manager) Close() error {
	if m.unsubNetwork != nil {
		m.unsubNetwork()
		m.unsubNetwork = nil
	}
	return m.Disconnect(context.Background())
}

// dial performs the token check and handshake, then installs the new
// connection. ctx bounds the handshake; sessCtx bounds the read and ping
// loops of the resulting connection.
func (m *Manager) dial(ctx context.Context, sessCtx context.Context) error {
	cred, err := m.tokens.Token(ctx)
	if err != nil {
		return fault.Wrap(fault.Authentication, err)
	}
	if !cred.Valid(time.Now()) {
		return fault.New(fault.Authentication, "token missing or expired")
	}

	conn, err := m.transport.Dial(ctx, cred.Value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if sessCtx.Err() != nil || (m.state != Connecting && m.state != Reconnecting) {
		m.mu.Unlock()
		_ = conn.Close("superseded")
		return fault.New(fault.Cancelled, "connection superseded")
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.attempts = 0
	notify := m.setStateLocked(Connected)
	m.mu.Unlock()
	notify()

	go m.readLoop(sessCtx, conn, gen)
	go m.pingLoop(sessCtx, conn)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(ctx, conn, gen, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.dispatch(data)
	}
}

// pingLoop probes the transport so a dead connection is noticed even when
// the server has nothing to push. A failed ping closes the connection; the
// read loop observes the close and drives the state machine.
func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.log.Warn().Err(err).Msg("stream heartbeat missed")
					_ = conn.Close("heartbeat missed")
				}
				return
			}
		}
	}
}

// handleDrop reacts to a transport-level failure: reconnect while online,
// suspend while offline.
func (m *Manager) handleDrop(ctx context.Context, conn Conn, gen int, cause error) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if m.gen != gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	online := m.network == nil || m.network.Current().Connected
	if online {
		m.attempts = 0
		notify := m.setStateLocked(Reconnecting)
		m.mu.Unlock()
		_ = conn.Close("transport failure")
		m.log.Warn().Err(cause).Msg("stream dropped; reconnecting")
		notify()
		go m.reconnectLoop(ctx)
		return
	}

	m.offlineDown = true
	cancel := m.cancel
	m.cancel = nil
	notify := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	_ = conn.Close("device offline")
	m.log.Info().Err(cause).Msg("stream dropped while offline; suspending reconnects")
	if cancel != nil {
		cancel()
	}
	notify()
}

// reconnectLoop retries the handshake on the exponential schedule with no
// attempt cap: once connectivity is back the stream must eventually return.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.state != Reconnecting {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		err := m.dial(ctx, ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if fault.KindOf(err) == fault.Authentication {
			m.log.Warn().Err(err).Msg("token no longer valid; suspending reconnects")
			m.disconnectFromAuto()
			return
		}

		delay := m.schedule.Delay(attempt)
		m.log.Warn().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("reconnect failed; backing off")
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// disconnectFromAuto moves an automatic reconnect path to Disconnected
// without the Closing hop reserved for explicit disconnects.
func (m *Manager) disconnectFromAuto() {
	m.mu.Lock()
	if m.state != Connecting && m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	notify := m.setStateLocked(Disconnected)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	notify()
}

// onConnectivity implements the offline-suspend / restore-resume rules.
func (m *Manager) onConnectivity(snap connectivity.Snapshot) {
	if !snap.Connected {
		m.mu.Lock()
		if m.state != Connected && m.state != Reconnecting {
			m.mu.Unlock()
			return
		}
		m.offlineDown = true
		conn := m.conn
		m.conn = nil
		cancel := m.cancel
		m.cancel = nil
		notify := m.setStateLocked(Disconnected)
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("connectivity lost")
		}
		if cancel != nil {
			cancel()
		}
		m.log.Info().Msg("connectivity lost; stream suspended")
		notify()
		return
	}

	m.mu.Lock()
	if m.state != Disconnected || !m.offlineDown {
		m.mu.Unlock()
		return
	}
	m.offlineDown = false
	m.attempts = 0
	m.mu.Unlock()

	cred, err := m.tokens.Token(context.Background())
	if err != nil || !cred.Valid(time.Now()) {
		m.log.Warn().Msg("connectivity restored but token expired; waiting for a fresh token")
		return
	}

	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.log.Info().Msg("connectivity restored; reconnecting stream")
	notify()

	go func() {
		err := m.dial(sessCtx, sessCtx)
		if err == nil {
			return
		}
		if fault.KindOf(err) == fault.Authentication {
			m.disconnectFromAuto()
			return
		}
		m.mu.Lock()
		if m.state != Connecting {
			m.mu.Unlock()
			return
		}
		notify := m.setStateLocked(Reconnecting)
		m.mu.Unlock()
		notify()
		m.reconnectLoop(sessCtx)
	}()
}

// setStateLocked mutates the state under the guard and returns the
// notification closure to run after unlocking.
func (m *Manager) setStateLocked(next State) func() {
	prev := m.state
	m.state = next
	m.log.Debug().
		Stringer("from", prev).
		Stringer("to", next).
		Msg("stream state changed")
	return func() {
		m.stateSubs.publish(next)
	}
}

func (m *Manager) dispatch(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		m.log.Warn().Err(err).Msg("dropping undecodable stream message")
		return
	}
	switch env.Type {
	case TypeNotification:
		publishPayload(m, m.notifications, env)
	case TypeChatMessage:
		publishPayload(m, m.chatMessages, env)
	case TypeMessageStatus:
		publishPayload(m, m.messageStatuses, env)
	case TypeConnectionStatus:
		publishPayload(m, m.connStatuses, env)
	case TypeUserStatus:
		publishPayload(m, m.userStatuses, env)
	case TypeUserAvailability:
		publishPayload(m, m.userAvailability, env)
	case TypeAvailabilityConfirmed:
		publishPayload(m, m.availConfirmed, env)
	case TypeStatusConfirmed:
		publishPayload(m, m.statusConfirmed, env)
	case TypeError:
		publishPayload(m, m.streamErrors, env)
	default:
		m.log.Warn().Str("type", env.Type).Msg("unknown stream message type; dropping")
	}
}

func publishPayload[T any](m *Manager, reg *registry[T], env Envelope) {
	var v T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			m.log.Warn().Str("type", env.Type).Err(err).Msg("dropping malformed stream payload")
			return
		}
	}
	reg.publish(v)
}

// Subscriptions. Each returns a cancel function.

func (m *Manager) OnStateChange(fn func(State)) func() { return m.stateSubs.subscribe(fn) }

func (m *Manager) OnNotification(fn func(Notification)) func() {
	return m.notifications.subscribe(fn)
}

func (m *Manager) OnChatMessage(fn func(ChatMessage)) func() {
	return m.chatMessages.subscribe(fn)
}

func (m *Manager) OnMessageStatus(fn func(MessageStatus)) func() {
	return m.messageStatuses.subscribe(fn)
}

func (m *Manager) OnConnectionStatus(fn func(ConnectionStatus)) func() {
	return m.connStatuses.subscribe(fn)
}

func (m *Manager) OnUserStatus(fn func(UserStatus)) func() {
	return m.userStatuses.subscribe(fn)
}

func (m *Manager) OnUserAvailability(fn func(UserAvailability)) func() {
	return m.userAvailability.subscribe(fn)
}

func (m *Manager) OnAvailabilityConfirmed(fn func(AvailabilityConfirmed)) func() {
	return m.availConfirmed.subscribe(fn)
}

func (m *Manager) OnStatusConfirmed(fn func(StatusConfirmed)) func() {
	return m.statusConfirmed.subscribe(fn)
}

func (m *Manager) OnError(fn func(StreamError)) func() { return m.streamErrors.subscribe(fn) }

// Outbound operations.

type OutboundChat struct {
	GroupID     int64  `json:"groupId,omitempty"`
	RecipientID int64  `json:"recipientId,omitempty"`
	Body        string `json:"body"`
}

type outboundChatPayload struct {
	MessageID string `json:"messageId"`
	OutboundChat
	SentAt time.Time `json:"sentAt"`
}

// SendChatMessage sends one chat message and returns its generated id.
func (m *Manager) SendChatMessage(ctx context.Context, msg OutboundChat) (string, error) {
	id := uuid.NewString()
	payload := outboundChatPayload{MessageID: id, OutboundChat: msg, SentAt: time.Now().UTC()}
	if err := m.send(ctx, "chat_message", payload); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) UpdateStatus(ctx context.Context, status, message string) error {
	return m.send(ctx, "status_update", map[string]string{
		"status":        status,
		"statusMessage": message,
	})
}

func (m *Manager) SetAvailability(ctx context.Context, available bool) error {
	return m.send(ctx, "set_availability", map[string]bool{
		"isAvailableForChat": available,
	})
}

func (m *Manager) JoinGroup(ctx context.Context, groupID int64) error {
	return m.send(ctx, "join_group", map[string]int64{"groupId": groupID})
}

func (m *Manager) LeaveGroup(ctx context.Context, groupID int64) error {
	return m.send(ctx, "leave_group", map[string]int64{"groupId": groupID})
}

func (m *Manager) AckDelivered(ctx context.Context, messageID string) error {
	return m.send(ctx, "ack_delivered", map[string]string{"messageId": messageID})
}

func (m *Manager) AckRead(ctx context.Context, messageID string) error {
	return m.send(ctx, "ack_read", map[string]string{"messageId": messageID})
}

// SendActivityPing is best-effort: it never blocks the caller and is
// silently dropped when the stream is down.
func (m *Manager) SendActivityPing(ctx context.Context) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || conn == nil {
		return nil
	}
	data, err := json.Marshal(outboundEnvelope{
		Type:    "activity_ping",
		Payload: map[string]time.Time{"at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(writeCtx, data); err != nil {
			m.log.Debug().Err(err).Msg("activity ping dropped")
		}
	}()
	return nil
}

func (m *Manager) send(ctx context.Context, msgType string, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || conn == nil {
		return fault.New(fault.TransientNetwork, "stream not connected")
	}
	data, err := json.Marshal(outboundEnvelope{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}
