// Package upstream implements the pool's connection to the upstream
// consensus node: a ping/puzzle-request keepalive loop over a signed
// challenge handshake, mirroring the source prover-peer's interaction
// with the node it submits unconfirmed solutions to.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/nacl/sign"
)

// State is where a Session sits in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateChallengeSent
	StateChallengeVerified
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChallengeSent:
		return "challenge_sent"
	case StateChallengeVerified:
		return "challenge_verified"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

const (
	// PingInterval matches the source prover-peer's 5-second ping loop.
	PingInterval = 5 * time.Second
	// PuzzleRequestInterval matches its 15-second puzzle-request and
	// pending-solution-flush loop.
	PuzzleRequestInterval = 15 * time.Second
	// InboundIdleTimeout forces a reconnect if nothing arrives from the
	// node for this long, even while ping/puzzle-request keep firing.
	InboundIdleTimeout = 180 * time.Second
	// ReconnectBackoff is the constant delay between reconnect attempts.
	ReconnectBackoff = 5 * time.Second

	handshakeDeadline = 10 * time.Second
	solutionMailboxCapacity = 1024
)

// Solution is a candidate full solution to forward to the upstream
// node. It mirrors stratum.Solution field-for-field but is declared
// independently so this package has no dependency on internal/stratum.
type Solution struct {
	EpochHash [32]byte
	Address   string
	Counter   uint64
	Nonce     uint64
}

// EpochSink receives newly announced epochs read off the upstream
// connection, implemented by stratum.Server.
type EpochSink interface {
	NewEpochHash(epochHash [32]byte, epochNumber uint64, proofTarget uint64)
}

// Dialer opens the transport connection to the upstream node; a plain
// net.Dialer.DialContext in production, a net.Pipe() stub in tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Config configures a Session.
type Config struct {
	Address string
	Dialer  Dialer

	PublicKey     [32]byte
	PrivateKey    [64]byte
	GenesisHeader []byte

	// PeerPublicKey is the upstream node's expected signing key, loaded
	// from the genesis config; the handshake refuses to reach
	// StateChallengeVerified unless the node proves possession of the
	// matching private key.
	PeerPublicKey [32]byte

	Epochs EpochSink
}

// Session manages one logical connection to the upstream node,
// reconnecting on failure or idle timeout with a constant backoff.
type Session struct {
	cfg Config

	mu    sync.RWMutex
	state State

	lastInbound atomic.Int64

	solutions chan Solution
	pendingMu sync.Mutex
	pending   []Solution
}

// NewSession builds a Session ready to Run.
func NewSession(cfg Config) *Session {
	return &Session{
		cfg:       cfg,
		solutions: make(chan Solution, solutionMailboxCapacity),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SubmitUnconfirmedSolution enqueues sol for delivery upstream. If the
// mailbox is full the solution is appended to the pending-retry list
// directly, to be flushed on the next puzzle-request tick instead of
// being dropped.
func (s *Session) SubmitUnconfirmedSolution(sol Solution) {
	select {
	case s.solutions <- sol:
	default:
		s.pendingMu.Lock()
		s.pending = append(s.pending, sol)
		s.pendingMu.Unlock()
	}
}

// Run drives the session until ctx is canceled, reconnecting with
// ReconnectBackoff after every disconnect.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.setState(StateDisconnected)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectBackoff):
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := s.cfg.Dialer(ctx, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := s.handshake(conn, reader); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	s.setState(StateActive)
	s.lastInbound.Store(time.Now().Unix())

	inbound := make(chan frame)
	errCh := make(chan error, 1)
	go s.readLoop(reader, inbound, errCh)

	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()
	puzzleTicker := time.NewTicker(PuzzleRequestInterval)
	defer puzzleTicker.Stop()
	idleTicker := time.NewTicker(time.Second)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case f := <-inbound:
			s.lastInbound.Store(time.Now().Unix())
			s.handleFrame(f)
		case <-pingTicker.C:
			if err := s.writeFrame(conn, msgPing, ping{}); err != nil {
				return err
			}
		case <-puzzleTicker.C:
			if err := s.writeFrame(conn, msgPuzzleRequest, puzzleRequest{}); err != nil {
				return err
			}
			s.flushPending(conn)
		case <-idleTicker.C:
			if time.Now().Unix()-s.lastInbound.Load() > int64(InboundIdleTimeout.Seconds()) {
				return fmt.Errorf("no inbound traffic for over %s", InboundIdleTimeout)
			}
		case sol := <-s.solutions:
			if err := s.writeFrame(conn, msgUnconfirmedSolution, unconfirmedSolution{
				EpochHash: sol.EpochHash,
				Address:   sol.Address,
				Counter:   sol.Counter,
				Nonce:     sol.Nonce,
			}); err != nil {
				s.pendingMu.Lock()
				s.pending = append(s.pending, sol)
				s.pendingMu.Unlock()
			}
		}
	}
}

// handshake performs a mutual challenge/response: the node sends a
// random nonce which the session signs with the pool's keypair, and
// the session's reply carries its own nonce and address for the node
// to sign back in a peerAuth message. The session only reaches
// StateChallengeVerified once that signature opens under the expected
// peer public key loaded from the genesis config — a blind ack from
// the node is never sufficient to authenticate it.
func (s *Session) handshake(conn net.Conn, reader *bufio.Reader) error {
	conn.SetDeadline(time.Now().Add(handshakeDeadline))
	defer conn.SetDeadline(time.Time{})

	f, err := readFrame(reader)
	if err != nil {
		return fmt.Errorf("read challenge request: %w", err)
	}
	if f.Type != msgChallengeRequest {
		return fmt.Errorf("expected challenge request, got message type %d", f.Type)
	}
	var req challengeRequest
	if err := decodePayload(f, &req); err != nil {
		return fmt.Errorf("decode challenge request: %w", err)
	}

	s.setState(StateChallengeSent)

	poolNonce := make([]byte, 32)
	if _, err := rand.Read(poolNonce); err != nil {
		return fmt.Errorf("generate pool nonce: %w", err)
	}
	poolAddress := append([]byte(nil), s.cfg.PublicKey[:]...)

	signed := sign.Sign(nil, req.Nonce, &s.cfg.PrivateKey)
	out, err := encodeFrame(msgChallengeResponse, challengeResponse{
		GenesisHeader: s.cfg.GenesisHeader,
		SignedNonce:   signed,
		PoolNonce:     poolNonce,
		PoolAddress:   poolAddress,
	})
	if err != nil {
		return fmt.Errorf("encode challenge response: %w", err)
	}
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write challenge response: %w", err)
	}

	authFrame, err := readFrame(reader)
	if err != nil {
		return fmt.Errorf("read peer auth: %w", err)
	}
	if authFrame.Type != msgPeerAuth {
		return fmt.Errorf("expected peer auth, got message type %d", authFrame.Type)
	}
	var auth peerAuth
	if err := decodePayload(authFrame, &auth); err != nil {
		return fmt.Errorf("decode peer auth: %w", err)
	}

	expected := append(append([]byte(nil), poolNonce...), poolAddress...)
	opened, ok := sign.Open(nil, auth.Signature, &s.cfg.PeerPublicKey)
	if !ok {
		return fmt.Errorf("peer auth signature does not verify against expected peer public key")
	}
	if !bytes.Equal(opened, expected) {
		return fmt.Errorf("peer auth signed payload does not match (pool_nonce, pool_address)")
	}

	s.setState(StateChallengeVerified)
	return nil
}

func (s *Session) readLoop(reader *bufio.Reader, inbound chan<- frame, errCh chan<- error) {
	for {
		f, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				errCh <- fmt.Errorf("read upstream frame: %w", err)
			} else {
				errCh <- err
			}
			return
		}
		inbound <- f
	}
}

func (s *Session) handleFrame(f frame) {
	switch f.Type {
	case msgPuzzleResponse:
		var resp puzzleResponse
		if err := decodePayload(f, &resp); err != nil {
			return
		}
		if s.cfg.Epochs != nil {
			s.cfg.Epochs.NewEpochHash(resp.EpochHash, resp.EpochNumber, resp.ProofTarget)
		}
	case msgPong:
		// keepalive acknowledgment, nothing to do
	}
}

// flushPending retries solutions that failed to send on a prior
// attempt, matching the source prover-peer's pending_solutions drain
// on every puzzle-request tick.
func (s *Session) flushPending(conn net.Conn) {
	s.pendingMu.Lock()
	retry := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	var stillFailed []Solution
	for _, sol := range retry {
		if err := s.writeFrame(conn, msgUnconfirmedSolution, unconfirmedSolution{
			EpochHash: sol.EpochHash,
			Address:   sol.Address,
			Counter:   sol.Counter,
			Nonce:     sol.Nonce,
		}); err != nil {
			stillFailed = append(stillFailed, sol)
		}
	}

	if len(stillFailed) > 0 {
		s.pendingMu.Lock()
		s.pending = append(s.pending, stillFailed...)
		s.pendingMu.Unlock()
	}
}

func (s *Session) writeFrame(conn net.Conn, t messageType, payload interface{}) error {
	out, err := encodeFrame(t, payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(out)
	return err
}

// GenerateKeypair produces a fresh nacl/sign keypair for operator
// bootstrap tooling (e.g. first-run pool key provisioning).
func GenerateKeypair() (publicKey [32]byte, privateKey [64]byte, err error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return publicKey, privateKey, err
	}
	return *pub, *priv, nil
}
