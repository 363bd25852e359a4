package upstream

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/nacl/sign"
)

type fakeEpochSink struct {
	hash   [32]byte
	number uint64
	target uint64
	seen   chan struct{}
}

func newFakeEpochSink() *fakeEpochSink {
	return &fakeEpochSink{seen: make(chan struct{}, 1)}
}

func (f *fakeEpochSink) NewEpochHash(hash [32]byte, number, target uint64) {
	f.hash, f.number, f.target = hash, number, target
	f.seen <- struct{}{}
}

// fakeNode drives the node side of a net.Pipe connection: issues the
// challenge, verifies the pool's signed nonce, then signs the pool's
// own nonce and address back in a peerAuth message so the session can
// authenticate the node in turn.
func fakeNode(t *testing.T, conn net.Conn, publicKey [32]byte, nodePublicKey [32]byte, nodePrivateKey [64]byte) *bufio.Reader {
	t.Helper()
	reader := bufio.NewReader(conn)

	nonce := []byte("test-nonce-0123456789")
	out, err := encodeFrame(msgChallengeRequest, challengeRequest{Nonce: nonce})
	require.NoError(t, err)
	_, err = conn.Write(out)
	require.NoError(t, err)

	f, err := readFrame(reader)
	require.NoError(t, err)
	require.Equal(t, msgChallengeResponse, f.Type)

	var resp challengeResponse
	require.NoError(t, decodePayload(f, &resp))

	opened, ok := sign.Open(nil, resp.SignedNonce, &publicKey)
	require.True(t, ok, "signature must verify against the session's public key")
	assert.Equal(t, nonce, opened)

	toSign := append(append([]byte(nil), resp.PoolNonce...), resp.PoolAddress...)
	signed := sign.Sign(nil, toSign, &nodePrivateKey)
	authFrame, err := encodeFrame(msgPeerAuth, peerAuth{Signature: signed})
	require.NoError(t, err)
	_, err = conn.Write(authFrame)
	require.NoError(t, err)

	return reader
}

func newPipeDialer(nodeConn net.Conn) Dialer {
	return func(ctx context.Context, address string) (net.Conn, error) {
		return nodeConn, nil
	}
}

func TestSession_HandshakeReachesActiveState(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	nodePub, nodePriv, err := GenerateKeypair()
	require.NoError(t, err)

	sessionSide, nodeSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		fakeNode(t, nodeSide, pub, nodePub, nodePriv)
		close(done)
	}()

	s := NewSession(Config{
		Address:       "upstream:4133",
		Dialer:        newPipeDialer(sessionSide),
		PublicKey:     pub,
		PrivateKey:    priv,
		PeerPublicKey: nodePub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	<-done
	require.Eventually(t, func() bool {
		return s.State() == StateActive
	}, time.Second, 5*time.Millisecond)
}

func TestSession_PuzzleResponseReachesEpochSink(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	nodePub, nodePriv, err := GenerateKeypair()
	require.NoError(t, err)

	sessionSide, nodeSide := net.Pipe()
	sink := newFakeEpochSink()

	handshakeDone := make(chan struct{})
	go func() {
		fakeNode(t, nodeSide, pub, nodePub, nodePriv)
		close(handshakeDone)
	}()

	s := NewSession(Config{
		Address:       "upstream:4133",
		Dialer:        newPipeDialer(sessionSide),
		PublicKey:     pub,
		PrivateKey:    priv,
		PeerPublicKey: nodePub,
		Epochs:        sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	<-handshakeDone

	var epochHash [32]byte
	epochHash[0] = 0xAB
	out, err := encodeFrame(msgPuzzleResponse, puzzleResponse{EpochHash: epochHash, EpochNumber: 9, ProofTarget: 1 << 40})
	require.NoError(t, err)
	_, err = nodeSide.Write(out)
	require.NoError(t, err)

	select {
	case <-sink.seen:
	case <-time.After(time.Second):
		t.Fatal("epoch never reached the sink")
	}

	assert.Equal(t, epochHash, sink.hash)
	assert.EqualValues(t, 9, sink.number)
	assert.EqualValues(t, 1<<40, sink.target)
}

func TestSession_SubmitUnconfirmedSolutionOverflowsToPending(t *testing.T) {
	s := NewSession(Config{})
	s.solutions = make(chan Solution) // zero-capacity so the first send already blocks

	s.SubmitUnconfirmedSolution(Solution{Address: "aleo1test"})

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	require.Len(t, s.pending, 1)
	assert.Equal(t, "aleo1test", s.pending[0].Address)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "active", StateActive.String())
}
