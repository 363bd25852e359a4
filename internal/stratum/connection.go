package stratum

import (
	"bufio"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the prover connection's position in the
// Connecting -> Subscribed -> Authorized -> Active -> Closed machine.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateSubscribed
	StateAuthorized
	StateActive
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// HandshakeDeadline bounds the time from accept to Authorized.
	HandshakeDeadline = 10 * time.Second
	// IdleTimeout closes a connection with no inbound frame for this long.
	IdleTimeout = 180 * time.Second
	// MailboxCapacity is the outbound per-connection buffer depth.
	MailboxCapacity = 1024
	// writeDeadline bounds a single outbound frame write.
	writeDeadline = 5 * time.Second
)

type connError string

func (e connError) Error() string { return string(e) }

const (
	ErrHandshakeTimeout connError = "handshake timeout"
	ErrIdleTimeout       connError = "idle timeout"
	ErrMailboxFull       connError = "mailbox full"
)

// netConn is the subset of net.Conn a Connection needs; narrowed to
// ease testing with in-memory pipes.
type netConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// FrameHandler processes one decoded inbound line. It calls back into
// Connection (MarkSubscribed, MarkAuthorized, Send, Close) to drive
// the state machine and queue replies.
type FrameHandler func(c *Connection, line []byte)

// Connection is a single prover's socket plus mailbox: UUID identity,
// a bounded outbound mailbox, atomic share counters, and a
// ctx/cancel-driven lifecycle tied to the five-state machine above.
type Connection struct {
	ID         string
	RemoteAddr string
	conn       netConn

	mu              sync.RWMutex
	state           ConnectionState
	userAgent       string
	protocolVersion string
	workerName      string
	address         string
	sessionID       string

	mailbox chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	lastActivity atomic.Int64 // unix nanoseconds

	sharesSubmitted atomic.Int64
	sharesAccepted  atomic.Int64
	sharesRejected  atomic.Int64

	closeOnce   sync.Once
	closeReason string
}

// NewConnection wraps an accepted socket. remoteAddr is captured
// separately so tests can drive a Connection over an in-memory pipe
// that has no real remote address.
func NewConnection(parent context.Context, conn netConn, remoteAddr string) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		conn:       conn,
		state:      StateConnecting,
		sessionID:  uuid.New().String(),
		mailbox:    make(chan []byte, MailboxCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// State returns the connection's current state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID is the opaque handle returned in the subscribe result.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// WorkerName returns the raw worker_name supplied on authorize.
func (c *Connection) WorkerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerName
}

// Address returns the payout address parsed out of worker_name.
func (c *Connection) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// MarkSubscribed records the handshake's subscribe step.
func (c *Connection) MarkSubscribed(userAgent, protocolVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userAgent = userAgent
	c.protocolVersion = protocolVersion
	if c.state == StateConnecting {
		c.state = StateSubscribed
	}
}

// MarkAuthorized records the handshake's authorize step.
func (c *Connection) MarkAuthorized(workerName, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerName = workerName
	c.address = address
	if c.state == StateSubscribed {
		c.state = StateAuthorized
	}
}

// MarkActive transitions Authorized -> Active once the initial
// set_target/notify push has been queued.
func (c *Connection) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthorized {
		c.state = StateActive
	}
}

// Send enqueues an outbound frame. It never blocks: a full mailbox
// means the connection is falling behind and is reported back to the
// caller so it can be scheduled for disconnect rather than stalling
// the sender.
func (c *Connection) Send(frame []byte) bool {
	select {
	case c.mailbox <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down exactly once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeReason = reason
		c.mu.Unlock()
		c.cancel()
		c.conn.Close()
	})
}

// CloseReason returns the reason passed to Close, if any.
func (c *Connection) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// IncrementSubmitted, IncrementAccepted and IncrementRejected track
// per-connection share counters for diagnostics.
func (c *Connection) IncrementSubmitted() { c.sharesSubmitted.Add(1) }
func (c *Connection) IncrementAccepted()  { c.sharesAccepted.Add(1) }
func (c *Connection) IncrementRejected()  { c.sharesRejected.Add(1) }

// Counters returns the submitted/accepted/rejected share counts.
func (c *Connection) Counters() (submitted, accepted, rejected int64) {
	return c.sharesSubmitted.Load(), c.sharesAccepted.Load(), c.sharesRejected.Load()
}

// Run drives the connection's I/O until it closes. It starts a reader
// goroutine decoding newline-delimited frames (bounded by
// MaxFrameBytes) and multiplexes inbound frames against outbound
// mailbox sends with a select biased toward draining any inbound
// frame already buffered before considering anything else, so a burst
// of notify/set_target sends can never starve the socket reader.
func (c *Connection) Run(handler FrameHandler) error {
	inbound := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go c.readLoop(inbound, readErr)

	handshakeTimer := time.NewTimer(HandshakeDeadline)
	defer handshakeTimer.Stop()
	idleTimer := time.NewTimer(IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case line, ok := <-inbound:
			if !ok {
				c.Close("peer closed connection")
				return nil
			}
			c.touch()
			idleTimer.Reset(IdleTimeout)
			handler(c, line)
			if c.State() == StateClosed {
				return nil
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return nil

		case line, ok := <-inbound:
			if !ok {
				c.Close("peer closed connection")
				return nil
			}
			c.touch()
			idleTimer.Reset(IdleTimeout)
			handler(c, line)
			if c.State() == StateClosed {
				return nil
			}

		case err := <-readErr:
			c.Close("read error: " + err.Error())
			return err

		case frame := <-c.mailbox:
			if err := c.writeFrame(frame); err != nil {
				c.Close("write error: " + err.Error())
				return err
			}

		case <-handshakeTimer.C:
			if c.State() != StateAuthorized && c.State() != StateActive {
				c.Close(string(ErrHandshakeTimeout))
				return ErrHandshakeTimeout
			}

		case <-idleTimer.C:
			c.Close(string(ErrIdleTimeout))
			return ErrIdleTimeout
		}
	}
}

func (c *Connection) readLoop(inbound chan<- []byte, errCh chan<- error) {
	defer close(inbound)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, MaxFrameBytes+1), MaxFrameBytes+1)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case inbound <- line:
		case <-c.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case errCh <- err:
		case <-c.ctx.Done():
		}
	}
}

func (c *Connection) writeFrame(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err := c.conn.Write(frame)
	return err
}
