package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Conn is the subset of *websocket.Conn a session drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type SessionOptions struct {
	SendBuffer      int
	RateLimitPerSec int
	MaxMessageSize  int64
	PingInterval    time.Duration
	WriteDeadline   time.Duration
	ReadTimeout     time.Duration
}

// Session is one connected socket of one user.
type Session struct {
	id      string
	userID  string
	conn    Conn
	opts    SessionOptions
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool

	lastSeen   atomic.Int64
	done       chan struct{}
	writerDone chan struct{}
}

func NewSession(userID string, conn Conn, opts SessionOptions) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 10
	}
	s := &Session{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitPerSec),
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),

		writerDone: make(chan struct{}),
	}
	s.Touch(time.Now())
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

func (s *Session) Touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Outbound exposes the send buffer; the write pump is its only consumer.
func (s *Session) Outbound() <-chan []byte { return s.send }

func (s *Session) Done() <-chan struct{} { return s.done }

// WriterDone is closed once WritePump has returned.
func (s *Session) WriterDone() <-chan struct{} { return s.writerDone }

// Enqueue never blocks. It reports false when the session is closed or its
// buffer is full, in which case the frame is dropped.
func (s *Session) Enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) SendEnvelope(env Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return s.Enqueue(b)
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	close(s.done)
	s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Run drives the socket until the peer goes away. It returns only after the
// write pump has stopped touching the connection, since the connection is
// released as soon as the upgrade handler returns.
func (s *Session) Run(hub *Hub, handle func(*Session, Envelope)) {
	go s.WritePump()
	s.ReadPump(hub, handle)
	<-s.writerDone
}

// ReadPump blocks reading frames until the connection fails. Every frame
// counts as a heartbeat; frames over the rate limit are dropped.
func (s *Session) ReadPump(hub *Hub, handle func(*Session, Envelope)) {
	defer hub.Unregister(s.id)

	if s.opts.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	extend := func() {
		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
	}
	extend()
	s.conn.SetPongHandler(func(string) error {
		hub.Touch(s.id)
		extend()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		hub.Touch(s.id)
		extend()

		if !s.limiter.Allow() {
			s.SendEnvelope(Envelope{Type: TypeError, Code: "rate_limited", Error: "too many frames", At: time.Now().UTC()})
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.SendEnvelope(Envelope{Type: TypeError, Code: "bad_frame", Error: "malformed envelope", At: time.Now().UTC()})
			continue
		}
		if env.Type == TypeHeartbeat {
			continue
		}
		handle(s, env)
	}
}

// WritePump drains the send buffer to the socket and pings on an interval.
func (s *Session) WritePump() {
	interval := s.opts.PingInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	deadline := s.opts.WriteDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(deadline))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(deadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
