package stratum

import (
	"context"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/puzzlepool/internal/vardiff"
)

// fakeVerifier answers the share-level check with nonce/ok. A second,
// independent call against the epoch's proof target (the full-solution
// check) is answered by fullNonce/fullOK whenever the caller passes
// exactly proofTarget, so tests can distinguish "beats the assigned
// share target" from "also beats the network proof target" instead of
// one fake answering both checks identically.
type fakeVerifier struct {
	nonce uint64
	ok    bool

	proofTarget uint64
	fullNonce   uint64
	fullOK      bool
}

func (f *fakeVerifier) Verify(epochHash EpochHash, addr string, counter uint64, target uint64) (uint64, bool) {
	if f.proofTarget != 0 && target == f.proofTarget {
		return f.fullNonce, f.fullOK
	}
	return f.nonce, f.ok
}

type recordedShare struct {
	address   string
	weight    uint64
	epochHash EpochHash
}

type fakeAccounting struct {
	shares []recordedShare
	setN   []uint64
}

func (f *fakeAccounting) NewShare(address string, weight uint64, epochHash EpochHash) {
	f.shares = append(f.shares, recordedShare{address, weight, epochHash})
}

func (f *fakeAccounting) SetN(n uint64) { f.setN = append(f.setN, n) }

type fakeUpstream struct {
	solutions []Solution
}

func (f *fakeUpstream) SubmitUnconfirmedSolution(sol Solution) {
	f.solutions = append(f.solutions, sol)
}

func testAddress() string {
	return "aleo1" + strings.Repeat("q", 58)
}

func newTestServer(verifier ProofVerifier, acct AccountingSink, upstream UpstreamSink) *Server {
	return NewServer(ServerConfig{
		PoolAddress: "aleo1pool" + strings.Repeat("q", 49),
		Verifier:    verifier,
		Accounting:  acct,
		Upstream:    upstream,
		Vardiff:     vardiff.DefaultConfig(),
	})
}

// newHandshakedConnection drives subscribe+authorize directly through
// the server's frame handler and returns the resulting Connection,
// already present in the authenticated_provers registry.
func newHandshakedConnection(t *testing.T, s *Server, peerAddr, workerName string) *Connection {
	t.Helper()
	serverSide, _ := net.Pipe()
	conn := NewConnection(context.Background(), serverSide, peerAddr)
	t.Cleanup(func() { conn.Close("test cleanup") })

	s.handleFrame(conn, []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0","1.0.0",null]}`))
	require.Equal(t, StateSubscribed, conn.State())

	s.handleFrame(conn, []byte(`{"id":2,"method":"mining.authorize","params":["`+workerName+`","x"]}`))
	require.Equal(t, StateActive, conn.State())

	drainMailbox(conn)
	return conn
}

// drainMailbox empties a connection's mailbox without inspecting it,
// so later assertions only see frames sent afterward.
func drainMailbox(c *Connection) {
	for {
		select {
		case <-c.mailbox:
		default:
			return
		}
	}
}

func nextFrame(t *testing.T, c *Connection) string {
	t.Helper()
	select {
	case frame := <-c.mailbox:
		return string(frame)
	case <-time.After(time.Second):
		t.Fatal("no frame arrived on mailbox")
		return ""
	}
}

func TestServer_SubscribeAuthorizeHappyPath(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})
	conn := newHandshakedConnection(t, s, "10.0.0.1:1", testAddress())

	assert.Equal(t, 1, s.ActiveConnectionCount())
	assert.Equal(t, testAddress(), conn.Address())
}

func TestServer_AuthorizeRejectsMalformedAddress(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})
	serverSide, _ := net.Pipe()
	conn := NewConnection(context.Background(), serverSide, "10.0.0.2:1")
	t.Cleanup(func() { conn.Close("test cleanup") })

	s.handleFrame(conn, []byte(`{"id":1,"method":"mining.subscribe","params":["a","1.0.0",null]}`))
	s.handleFrame(conn, []byte(`{"id":2,"method":"mining.authorize","params":["not-an-address","x"]}`))

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, s.ActiveConnectionCount())
}

// S1 - Happy submit: an accepted share reaches accounting, and the
// independent re-verification against the epoch's proof target fails
// (as it does for the overwhelming majority of real shares), so it
// never reaches the upstream sink.
func TestServer_HappySubmitCreditsAccountingOnly(t *testing.T) {
	acct := &fakeAccounting{}
	upstream := &fakeUpstream{}
	const proofTarget = uint64(1) << 60
	s := newTestServer(&fakeVerifier{nonce: 42, ok: true, proofTarget: proofTarget, fullOK: false}, acct, upstream)

	var epochHash EpochHash
	copy(epochHash[:], strings.Repeat("\xAA", 32))
	s.NewEpochHash(epochHash, 1, proofTarget)

	conn := newHandshakedConnection(t, s, "10.0.0.3:1", testAddress())
	drainMailbox(conn) // discard the initial set_target/notify from NewEpochHash/authorize

	submit := `{"id":3,"method":"mining.submit","params":["` + testAddress() + `","` + randomJobID() + `","2a"]}`
	s.handleFrame(conn, []byte(submit))

	resp := nextFrame(t, conn)
	assert.Contains(t, resp, `"result":true`)

	require.Len(t, acct.shares, 1)
	assert.Equal(t, testAddress(), acct.shares[0].address)
	assert.Empty(t, upstream.solutions, "a share that fails the independent proof-target re-verification must not reach upstream")
}

// S2 - Full solution: a share that also independently re-verifies
// against the epoch's proof target is additionally forwarded upstream,
// carrying the nonce produced by that second verification rather than
// the share-level one.
func TestServer_FullSolutionAlsoReachesUpstream(t *testing.T) {
	acct := &fakeAccounting{}
	upstream := &fakeUpstream{}
	const proofTarget = uint64(1) << 60
	s := newTestServer(&fakeVerifier{nonce: 42, ok: true, proofTarget: proofTarget, fullNonce: 7, fullOK: true}, acct, upstream)

	var epochHash EpochHash
	copy(epochHash[:], strings.Repeat("\xAA", 32))
	s.NewEpochHash(epochHash, 1, proofTarget)

	conn := newHandshakedConnection(t, s, "10.0.0.4:1", testAddress())
	drainMailbox(conn)

	submit := `{"id":3,"method":"mining.submit","params":["` + testAddress() + `","` + randomJobID() + `","2a"]}`
	s.handleFrame(conn, []byte(submit))

	require.Len(t, upstream.solutions, 1)
	assert.Equal(t, uint64(7), upstream.solutions[0].Nonce)
}

// S3 - Duplicate nonce: the second submission producing a
// previously-seen nonce is rejected with -32003.
func TestServer_DuplicateNonceRejectedOnSecondSubmit(t *testing.T) {
	s := newTestServer(&fakeVerifier{nonce: 99, ok: true}, &fakeAccounting{}, &fakeUpstream{})

	var epochHash EpochHash
	s.NewEpochHash(epochHash, 1, 1<<60)

	connA := newHandshakedConnection(t, s, "10.0.0.5:1", testAddress())
	drainMailbox(connA)
	connB := newHandshakedConnection(t, s, "10.0.0.6:1", testAddress())
	drainMailbox(connB)

	submit := `{"id":3,"method":"mining.submit","params":["` + testAddress() + `","` + randomJobID() + `","2a"]}`

	s.handleFrame(connA, []byte(submit))
	assert.Contains(t, nextFrame(t, connA), `"result":true`)

	s.handleFrame(connB, []byte(submit))
	resp := nextFrame(t, connB)
	assert.Contains(t, resp, `"code":-32003`)
}

// S4 - Stale share: with no epoch announced yet, submissions are
// rejected as stale rather than validated.
func TestServer_SubmitBeforeAnyEpochIsStale(t *testing.T) {
	s := newTestServer(&fakeVerifier{nonce: 1, ok: true}, &fakeAccounting{}, &fakeUpstream{})
	conn := newHandshakedConnection(t, s, "10.0.0.7:1", testAddress())
	drainMailbox(conn)

	submit := `{"id":3,"method":"mining.submit","params":["` + testAddress() + `","` + randomJobID() + `","1"]}`
	s.handleFrame(conn, []byte(submit))

	resp := nextFrame(t, conn)
	assert.Contains(t, resp, `"code":-32001`)
}

func TestServer_SubmitWithoutAuthorizationIsUnauthorized(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})
	serverSide, _ := net.Pipe()
	conn := NewConnection(context.Background(), serverSide, "10.0.0.8:1")
	t.Cleanup(func() { conn.Close("test cleanup") })

	submit := `{"id":1,"method":"mining.submit","params":["addr","00000000","1"]}`
	s.handleFrame(conn, []byte(submit))

	resp := nextFrame(t, conn)
	assert.Contains(t, resp, `"code":-32000`)
}

func TestServer_SubmitWithWrongLengthJobIDClosesConnection(t *testing.T) {
	s := newTestServer(&fakeVerifier{ok: true}, &fakeAccounting{}, &fakeUpstream{})
	var epochHash EpochHash
	s.NewEpochHash(epochHash, 1, 1<<60)

	conn := newHandshakedConnection(t, s, "10.0.0.9:1", testAddress())
	drainMailbox(conn)

	submit := `{"id":3,"method":"mining.submit","params":["` + testAddress() + `","ab","1"]}`
	s.handleFrame(conn, []byte(submit))

	assert.Equal(t, StateClosed, conn.State())
}

func TestServer_NewEpochHashIgnoresStaleOrEqualEpochNumber(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})

	var first, second EpochHash
	copy(first[:], strings.Repeat("\xAA", 32))
	copy(second[:], strings.Repeat("\xBB", 32))

	s.NewEpochHash(first, 5, 100)
	s.NewEpochHash(second, 5, 200) // same epoch number: must be ignored

	hash, number, target, ok := s.currentEpoch()
	require.True(t, ok)
	assert.Equal(t, first, hash)
	assert.EqualValues(t, 5, number)
	assert.EqualValues(t, 100, target)
}

func TestServer_NewEpochHashFansOutSetTargetAndNotify(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})
	conn := newHandshakedConnection(t, s, "10.0.0.10:1", testAddress())
	drainMailbox(conn)

	var epochHash EpochHash
	copy(epochHash[:], strings.Repeat("\xCC", 32))
	s.NewEpochHash(epochHash, 1, 1<<60)

	first := nextFrame(t, conn)
	assert.Contains(t, first, "mining.set_target")

	second := nextFrame(t, conn)
	assert.Contains(t, second, "mining.notify")
	assert.Contains(t, second, hex.EncodeToString(epochHash[:]))
}

func TestServer_UnregisterRemovesFromEveryRegistry(t *testing.T) {
	s := newTestServer(&fakeVerifier{}, &fakeAccounting{}, &fakeUpstream{})
	conn := newHandshakedConnection(t, s, "10.0.0.11:1", testAddress())

	s.unregister(conn)

	assert.Equal(t, 0, s.ActiveConnectionCount())
	s.reg.mu.RLock()
	_, addressStillTracked := s.reg.addressConnections[testAddress()]
	s.reg.mu.RUnlock()
	assert.False(t, addressStillTracked)
}
