package stratum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/chimera-pool/puzzlepool/internal/address"
	"github.com/chimera-pool/puzzlepool/internal/nonceset"
	"github.com/chimera-pool/puzzlepool/internal/vardiff"
)

// nonceClearInterval is how often the shared NonceSet is wiped, in
// addition to being cleared on every epoch change.
const nonceClearInterval = 60 * time.Second

// EpochHash is the opaque 32-byte block-hash identifier of the current
// puzzle epoch.
type EpochHash [32]byte

// Solution is a candidate full solution derived from a share that also
// beats the epoch's proof target, forwarded to the upstream node
// session as an UnconfirmedSolution.
type Solution struct {
	EpochHash EpochHash
	Address   string
	Counter   uint64
	Nonce     uint64
}

// ProofVerifier is the external cryptographic oracle that checks
// whether a submitted counter proves a valid share against a target,
// returning the derived nonce on success. It is supplied by the
// proving library and treated as opaque here.
type ProofVerifier interface {
	Verify(epochHash EpochHash, addr string, counter uint64, target uint64) (nonce uint64, ok bool)
}

// AccountingSink receives credited shares and block-credit notifications.
type AccountingSink interface {
	NewShare(address string, weight uint64, epochHash EpochHash)
	SetN(n uint64)
}

// UpstreamSink forwards solutions that beat the current proof target
// to the upstream node session.
type UpstreamSink interface {
	SubmitUnconfirmedSolution(sol Solution)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	PoolAddress string

	MinProtocolVersion string
	MaxProtocolVersion string

	Verifier   ProofVerifier
	Accounting AccountingSink
	Upstream   UpstreamSink

	Vardiff vardiff.Config
}

type registries struct {
	mu                  sync.RWMutex
	authenticatedProvers map[string]*Connection
	proverStates         map[string]*ProverState
	addressConnections   map[string]map[string]struct{}
}

// Server is the global coordinator: connection registry, epoch
// fan-out, share validation, nonce dedup, difficulty targeting. The
// three registries below must update atomically together on authorize
// and disconnect, so they sit behind one reader-preferring lock rather
// than the sharded-by-ID layout nonceset uses for its hot insert path.
type Server struct {
	cfg ServerConfig

	reg registries

	vardiff *vardiff.Manager
	poolMod *vardiff.PoolModifier
	nonces  *nonceset.Set
	pool    *PoolState

	epochMu           sync.RWMutex
	latestEpochHash   EpochHash
	latestEpochNumber uint64
	latestProofTarget uint64
	haveEpoch         bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server ready to accept connections.
func NewServer(cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		reg: registries{
			authenticatedProvers: make(map[string]*Connection),
			proverStates:         make(map[string]*ProverState),
			addressConnections:   make(map[string]map[string]struct{}),
		},
		vardiff: vardiff.NewManager(cfg.Vardiff),
		poolMod: vardiff.NewPoolModifier(cfg.Vardiff),
		nonces:  nonceset.New(0),
		pool:    NewPoolState(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the server's background tasks (NonceSet clearing).
func (s *Server) Start() {
	s.wg.Add(1)
	go s.nonceClearLoop()
}

// Stop halts background tasks and disconnects every prover.
func (s *Server) Stop() {
	s.cancel()
	s.reg.mu.Lock()
	for _, c := range s.reg.authenticatedProvers {
		c.Close("server shutdown")
	}
	s.reg.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) nonceClearLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(nonceClearInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.nonces.Clear()
		}
	}
}

// ServeConnection drives one accepted connection end-to-end: runs its
// I/O loop against the server's frame handler and unregisters it on
// return, regardless of how the connection ended.
func (s *Server) ServeConnection(c *Connection) {
	c.Run(s.handleFrame)
	s.unregister(c)
}

func (s *Server) handleFrame(c *Connection, line []byte) {
	req, err := DecodeRequest(line)
	if err != nil {
		c.Close("malformed frame: " + err.Error())
		return
	}

	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(c, req)
	case "mining.authorize":
		s.handleAuthorize(c, req)
	case "mining.submit":
		s.handleSubmit(c, req)
	default:
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidParams, "unknown method"))
	}
}

func (s *Server) handleSubscribe(c *Connection, req Request) {
	userAgent, _ := paramString(req.Params, 0)
	protocolVersion, _ := paramString(req.Params, 1)

	if !s.protocolVersionInRange(protocolVersion) {
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidParams, "unsupported protocol version"))
		c.Close("protocol version out of range")
		return
	}

	c.MarkSubscribed(userAgent, protocolVersion)
	s.reply(c, NewResultResponse(req.ID, NewSubscribeResult(c.SessionID(), nil)))
}

func (s *Server) handleAuthorize(c *Connection, req Request) {
	if c.State() != StateSubscribed {
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidParams, "authorize before subscribe"))
		c.Close("authorize before subscribe")
		return
	}

	workerName, _ := paramString(req.Params, 0)
	parsed, err := address.Parse(workerName)
	if err != nil {
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidParams, err.Error()))
		c.Close("unparseable worker_name")
		return
	}

	c.MarkAuthorized(workerName, parsed.Address)
	s.register(c)
	s.reply(c, NewResultResponse(req.ID, true))

	c.MarkActive()
	s.pushInitialJob(c)
}

func (s *Server) handleSubmit(c *Connection, req Request) {
	if c.State() != StateActive {
		s.reply(c, NewErrorResponse(req.ID, CodeUnauthorized, "Unauthorized"))
		return
	}

	jobIDHex, _ := paramString(req.Params, 1)
	counterHex, _ := paramString(req.Params, 2)

	jobID, err := hex.DecodeString(jobIDHex)
	if err != nil || len(jobID) != 4 {
		c.Close("job_id does not decode to 4 bytes")
		return
	}

	counter, err := strconv.ParseUint(counterHex, 16, 64)
	if err != nil {
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidParams, "counter_hex is not a valid u64"))
		return
	}

	c.IncrementSubmitted()

	peerAddr := c.RemoteAddr
	s.reg.mu.RLock()
	state, authenticated := s.reg.proverStates[peerAddr]
	s.reg.mu.RUnlock()
	if !authenticated {
		s.reply(c, NewErrorResponse(req.ID, CodeUnauthorized, "Unauthorized"))
		return
	}

	epochHash, epochNumber, proofTarget, haveEpoch := s.currentEpoch()
	if !haveEpoch {
		s.reply(c, NewErrorResponse(req.ID, CodeStaleShare, "Stale share"))
		c.IncrementRejected()
		return
	}
	_ = epochNumber // job_id carries no epoch number in this system; staleness already checked via haveEpoch above.

	shareTarget := s.vardiff.CurrentTarget(peerAddr)

	nonce, ok := s.cfg.Verifier.Verify(epochHash, state.Address, counter, shareTarget)
	if !ok {
		s.reply(c, NewErrorResponse(req.ID, CodeInvalidProof, "Invalid proof"))
		c.IncrementRejected()
		return
	}

	if !s.nonces.Insert(nonce) {
		s.reply(c, NewErrorResponse(req.ID, CodeDuplicateShare, "Duplicate share"))
		c.IncrementRejected()
		return
	}

	s.reply(c, NewResultResponse(req.ID, true))
	c.IncrementAccepted()

	state.AddShare(shareTarget)
	s.pool.AddShare(shareTarget)

	newTarget, changed := s.vardiff.RecordShare(peerAddr, shareTarget)
	s.poolMod.RecordShare()
	if changed {
		frame, err := EncodeNotification(NewSetTarget(newTarget))
		s.send(c, frame, err)
	}

	if s.cfg.Accounting != nil {
		s.cfg.Accounting.NewShare(state.Address, shareTarget, epochHash)
	}

	if s.cfg.Upstream != nil {
		if fullNonce, ok := s.cfg.Verifier.Verify(epochHash, state.Address, counter, proofTarget); ok {
			s.cfg.Upstream.SubmitUnconfirmedSolution(Solution{
				EpochHash: epochHash,
				Address:   state.Address,
				Counter:   counter,
				Nonce:     fullNonce,
			})
		}
	}
}

// NewEpochHash processes a fresh epoch announcement from the upstream
// node session, fanning out set_target+notify to every authenticated
// prover.
func (s *Server) NewEpochHash(epochHash EpochHash, epochNumber uint64, proofTarget uint64) {
	s.epochMu.Lock()
	if s.haveEpoch && epochNumber <= s.latestEpochNumber {
		s.epochMu.Unlock()
		return
	}
	s.latestEpochHash = epochHash
	s.latestEpochNumber = epochNumber
	s.latestProofTarget = proofTarget
	s.haveEpoch = true
	s.epochMu.Unlock()

	s.nonces.Clear()

	modifier := s.poolMod.Modifier()

	s.reg.mu.RLock()
	conns := make([]*Connection, 0, len(s.reg.authenticatedProvers))
	for _, c := range s.reg.authenticatedProvers {
		conns = append(conns, c)
	}
	s.reg.mu.RUnlock()

	var toDrop []*Connection
	for _, c := range conns {
		effective := effectiveTarget(proofTarget, s.vardiff.CurrentTarget(c.RemoteAddr), modifier)
		jobID := randomJobID()

		if frame, err := EncodeNotification(NewSetTarget(effective)); !s.send(c, frame, err) {
			toDrop = append(toDrop, c)
			continue
		}
		if frame, err := EncodeNotification(NewNotify(jobID, hex.EncodeToString(epochHash[:]), s.cfg.PoolAddress, true)); !s.send(c, frame, err) {
			toDrop = append(toDrop, c)
		}
	}

	for _, c := range toDrop {
		c.Close("mailbox send failure during epoch fan-out")
	}
}

func (s *Server) pushInitialJob(c *Connection) {
	target := s.vardiff.CurrentTarget(c.RemoteAddr)
	frame, err := EncodeNotification(NewSetTarget(target))
	s.send(c, frame, err)

	epochHash, _, _, haveEpoch := s.currentEpoch()
	if !haveEpoch {
		return
	}
	jobID := randomJobID()
	frame, err = EncodeNotification(NewNotify(jobID, hex.EncodeToString(epochHash[:]), s.cfg.PoolAddress, true))
	s.send(c, frame, err)
}

func (s *Server) currentEpoch() (hash EpochHash, number uint64, proofTarget uint64, ok bool) {
	s.epochMu.RLock()
	defer s.epochMu.RUnlock()
	return s.latestEpochHash, s.latestEpochNumber, s.latestProofTarget, s.haveEpoch
}

func (s *Server) register(c *Connection) {
	peerAddr := c.RemoteAddr
	addr := c.Address()

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	s.reg.authenticatedProvers[peerAddr] = c
	s.reg.proverStates[peerAddr] = NewProverState(peerAddr, addr)
	if s.reg.addressConnections[addr] == nil {
		s.reg.addressConnections[addr] = make(map[string]struct{})
	}
	s.reg.addressConnections[addr][peerAddr] = struct{}{}
}

func (s *Server) unregister(c *Connection) {
	peerAddr := c.RemoteAddr

	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	state, ok := s.reg.proverStates[peerAddr]
	delete(s.reg.authenticatedProvers, peerAddr)
	delete(s.reg.proverStates, peerAddr)
	if ok {
		if set, exists := s.reg.addressConnections[state.Address]; exists {
			delete(set, peerAddr)
			if len(set) == 0 {
				delete(s.reg.addressConnections, state.Address)
			}
		}
	}

	s.vardiff.RemoveMiner(peerAddr)
}

// ActiveConnectionCount reports how many provers currently hold an
// entry in the authenticated_provers registry.
func (s *Server) ActiveConnectionCount() int {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return len(s.reg.authenticatedProvers)
}

func (s *Server) protocolVersionInRange(v string) bool {
	if s.cfg.MinProtocolVersion == "" && s.cfg.MaxProtocolVersion == "" {
		return true
	}
	if s.cfg.MinProtocolVersion != "" && v < s.cfg.MinProtocolVersion {
		return false
	}
	if s.cfg.MaxProtocolVersion != "" && v > s.cfg.MaxProtocolVersion {
		return false
	}
	return true
}

func (s *Server) reply(c *Connection, resp Response) {
	frame, err := EncodeResponse(resp)
	s.send(c, frame, err)
}

func (s *Server) send(c *Connection, frame []byte, err error) bool {
	if err != nil {
		return false
	}
	return c.Send(frame)
}

func effectiveTarget(proofTarget, proverTarget uint64, modifier float64) uint64 {
	scaled := uint64(float64(proverTarget) * modifier)
	effective := scaled
	if proofTarget < effective {
		effective = proofTarget
	}
	if effective < 1 {
		effective = 1
	}
	return effective
}

func randomJobID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func paramString(params []interface{}, idx int) (string, bool) {
	if idx < 0 || idx >= len(params) {
		return "", false
	}
	s, ok := params[idx].(string)
	return s, ok
}
