package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadline/collab/internal/protocol"
)

// State is the connection lifecycle state. Closed is terminal.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const reconnectDialTimeout = 30 * time.Second

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	URL                  string
	Header               http.Header
	HeartbeatInterval    time.Duration
	BatchInterval        time.Duration
	BatchSize            int
	QueueCapacity        int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	return c
}

// Handler receives inbound messages of a subscribed type.
type Handler func(msg protocol.Message)

type handlerEntry struct {
	id int64
	fn Handler
}

// Manager owns one logical connection to a collaboration server: connect
// and reconnect with exponential backoff, heartbeat keep-alive, outbound
// queuing with priority and batching, and inbound dispatch to subscribers.
// Delivery is best-effort, at most once per message id.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock
	logger *zap.Logger

	mutex             sync.Mutex
	state             State
	conn              Conn
	connDone          chan struct{}
	reconnectAttempts int
	reconnectCount    int
	connectedAt       time.Time
	authToken         string
	queue             *messageQueue
	handlers          map[protocol.MessageType][]handlerEntry
	nextHandlerID     int64
	serverSubs        mapset.Set[protocol.MessageType]
	rates             *rateWindow
}

func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clock,
		logger:     logger.Named("transport"),
		state:      StateDisconnected,
		queue:      newMessageQueue(cfg.QueueCapacity),
		handlers:   make(map[protocol.MessageType][]handlerEntry),
		serverSubs: mapset.NewSet[protocol.MessageType](),
		rates:      newRateWindow(clock),
	}
}

// Connect opens the underlying transport. It is a no-op when already
// connected or connecting. A failed attempt leaves the manager
// disconnected; auto-retry only follows an unexpected close of a
// previously-open connection.
func (m *Manager) Connect(ctx context.Context, authToken string) error {
	m.mutex.Lock()
	switch m.state {
	case StateClosed:
		m.mutex.Unlock()
		return ErrManagerClosed
	case StateConnected, StateConnecting:
		m.mutex.Unlock()
		return nil
	}
	m.state = StateConnecting
	if authToken != "" {
		m.authToken = authToken
	}
	m.mutex.Unlock()

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == StateClosed {
		if conn != nil {
			conn.Close()
		}
		return ErrManagerClosed
	}
	if err != nil {
		m.state = StateDisconnected
		return fmt.Errorf("connect failed: %w", err)
	}

	m.finishConnectLocked(conn)
	return nil
}

// Disconnect closes the transport cleanly and stops every timer. The
// manager is terminal afterwards; no auto-reconnect follows. Idempotent.
func (m *Manager) Disconnect() error {
	m.mutex.Lock()
	if m.state == StateClosed {
		m.mutex.Unlock()
		return nil
	}
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.mutex.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send transmits or enqueues a message. High priority bypasses batching
// and goes out immediately when connected; while disconnected it is
// queued rather than dropped. Normal and low priority always go through
// the batching queue.
func (m *Manager) Send(msgType protocol.MessageType, payload interface{}, priority Priority) error {
	msg, err := protocol.Encode(msgType, payload, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == StateClosed {
		return ErrManagerClosed
	}

	if priority == PriorityHigh && m.state == StateConnected {
		return m.writeLocked(msg)
	}

	m.queue.push(&QueuedMessage{
		Message:    msg,
		Priority:   priority,
		EnqueuedAt: m.clock.Now(),
	})
	return nil
}

// Subscribe registers a handler for inbound messages of msgType and
// returns an unsubscribe function that is safe to call more than once.
// The first registration for a type emits a subscribe control message;
// removing the last handler emits unsubscribe.
func (m *Manager) Subscribe(msgType protocol.MessageType, handler Handler) func() {
	m.mutex.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[msgType] = append(m.handlers[msgType], handlerEntry{id: id, fn: handler})

	if len(m.handlers[msgType]) == 1 {
		m.serverSubs.Add(msgType)
		if m.state == StateConnected {
			m.writeControlLocked(protocol.MsgSubscribe, msgType)
		}
	}
	m.mutex.Unlock()

	return func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()

		entries := m.handlers[msgType]
		for i, e := range entries {
			if e.id != id {
				continue
			}
			m.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
			if len(m.handlers[msgType]) == 0 {
				delete(m.handlers, msgType)
				m.serverSubs.Remove(msgType)
				if m.state == StateConnected {
					m.writeControlLocked(protocol.MsgUnsubscribe, msgType)
				}
			}
			return
		}
	}
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Healthy reports whether the connection is usable: connected and not out
// of reconnect budget. Reconnection exhaustion surfaces here, not as an
// error.
func (m *Manager) Healthy() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state == StateConnected && m.reconnectAttempts < m.cfg.MaxReconnectAttempts
}

func (m *Manager) Metrics() Metrics {
	m.mutex.Lock()
	state := m.state
	connectedAt := m.connectedAt
	reconnects := m.reconnectCount
	m.mutex.Unlock()

	var uptime time.Duration
	if state == StateConnected {
		uptime = m.clock.Now().Sub(connectedAt)
	}

	return Metrics{
		MessagesPerSecond: m.rates.perSecond(),
		Uptime:            uptime,
		ReconnectCount:    reconnects,
	}
}

// finishConnectLocked installs the new connection, replays the auth token
// and active subscriptions, flushes the queue, and starts the per
// connection loops.
func (m *Manager) finishConnectLocked(conn Conn) {
	m.conn = conn
	m.state = StateConnected
	m.reconnectAttempts = 0
	m.connectedAt = m.clock.Now()

	done := make(chan struct{})
	m.connDone = done

	if m.authToken != "" {
		if msg, err := protocol.Encode(protocol.MsgAuth, protocol.AuthPayload{Token: m.authToken}, uuid.NewString()); err == nil {
			m.writeLocked(msg)
		}
	}
	for _, msgType := range m.serverSubs.ToSlice() {
		m.writeControlLocked(protocol.MsgSubscribe, msgType)
	}
	m.flushQueueLocked()

	go m.readLoop(conn)
	go m.heartbeatLoop(done)
	go m.batchLoop(done)
}

func (m *Manager) writeControlLocked(control, subject protocol.MessageType) {
	msg, err := protocol.Encode(control, protocol.SubscribePayload{MessageType: subject}, uuid.NewString())
	if err != nil {
		return
	}
	m.writeLocked(msg)
}

func (m *Manager) writeLocked(msg protocol.Message) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := m.conn.WriteMessage(data); err != nil {
		m.logger.Warn("write failed",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return err
	}
	m.rates.record()
	return nil
}

func (m *Manager) flushQueueLocked() {
	for {
		batch := m.queue.drain(m.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		m.sendBatchLocked(batch)
	}
}

// sendBatchLocked transmits drained messages: a single message goes
// unwrapped, multiple are wrapped in one batch envelope.
func (m *Manager) sendBatchLocked(batch []*QueuedMessage) {
	if len(batch) == 1 {
		m.writeLocked(batch[0].Message)
		return
	}

	envelope := protocol.Batch{Type: protocol.MsgBatch, Messages: make([]protocol.Message, len(batch))}
	for i, queued := range batch {
		envelope.Messages[i] = queued.Message
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		m.logger.Warn("failed to marshal batch", zap.Error(err))
		return
	}
	if m.conn == nil {
		return
	}
	if err := m.conn.WriteMessage(data); err != nil {
		m.logger.Warn("batch write failed", zap.Error(err))
		return
	}
	for range batch {
		m.rates.record()
	}
}

func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleConnectionError(conn, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if msg.Type == protocol.MsgBatch {
		var batch protocol.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			m.logger.Warn("dropping malformed batch frame", zap.Error(err))
			return
		}
		for _, inner := range batch.Messages {
			m.dispatchMessage(inner)
		}
		return
	}

	m.dispatchMessage(msg)
}

func (m *Manager) dispatchMessage(msg protocol.Message) {
	m.rates.record()

	// Heartbeat replies are consumed here, never forwarded.
	if msg.Type == protocol.MsgPong {
		return
	}

	m.mutex.Lock()
	entries := append([]handlerEntry(nil), m.handlers[msg.Type]...)
	m.mutex.Unlock()

	for _, entry := range entries {
		m.invoke(entry, msg)
	}
}

// invoke isolates handler failures so one bad subscriber cannot block
// delivery to the rest.
func (m *Manager) invoke(entry handlerEntry, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked",
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r))
		}
	}()
	entry.fn(msg)
}

func (m *Manager) handleConnectionError(conn Conn, err error) {
	m.mutex.Lock()
	if m.conn != conn || m.state == StateClosed {
		m.mutex.Unlock()
		return
	}
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}

	var closeErr *CloseError
	if errors.As(err, &closeErr) && closeErr.Clean {
		m.state = StateDisconnected
		m.mutex.Unlock()
		m.logger.Info("connection closed by peer", zap.Int("code", closeErr.Code))
		return
	}

	m.state = StateReconnecting
	m.mutex.Unlock()
	m.logger.Warn("connection dropped", zap.Error(err))
	go m.reconnectLoop()
}

// reconnectLoop retries with exponential backoff after an unexpected
// close. It gives up once the attempt budget is spent; the failure
// surfaces through Healthy, and a later explicit Connect starts fresh.
func (m *Manager) reconnectLoop() {
	for {
		m.mutex.Lock()
		if m.state != StateReconnecting {
			m.mutex.Unlock()
			return
		}
		if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
			m.state = StateDisconnected
			m.mutex.Unlock()
			m.logger.Error("reconnect attempts exhausted",
				zap.Int("attempts", m.cfg.MaxReconnectAttempts))
			return
		}
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.mutex.Unlock()

		delay := m.cfg.ReconnectBaseDelay * (1 << (attempt - 1))
		<-m.clock.After(delay)

		m.mutex.Lock()
		if m.state != StateReconnecting {
			m.mutex.Unlock()
			return
		}
		m.state = StateConnecting
		m.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), reconnectDialTimeout)
		conn, err := m.dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)
		cancel()

		m.mutex.Lock()
		if m.state == StateClosed {
			m.mutex.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			m.state = StateReconnecting
			m.mutex.Unlock()
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		m.reconnectCount++
		m.finishConnectLocked(conn)
		m.mutex.Unlock()
		m.logger.Info("reconnected", zap.Int("attempt", attempt))
		return
	}
}

func (m *Manager) heartbeatLoop(done chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := m.Send(protocol.MsgPing, nil, PriorityHigh); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (m *Manager) batchLoop(done chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.flushBatch()
		case <-done:
			return
		}
	}
}

func (m *Manager) flushBatch() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state != StateConnected {
		return
	}
	batch := m.queue.drain(m.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	m.sendBatchLocked(batch)
}
