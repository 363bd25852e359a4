package stratum

import (
	"sync"
	"time"

	"github.com/chimera-pool/puzzlepool/internal/ratemeter"
)

// proverHashrateWindows and poolHashrateWindows name the diagnostic
// rate-meter windows ProverState and PoolState each keep. These are
// independent of the 2m/1m meters internal/vardiff keeps privately
// for targeting; they exist purely for hashrate reporting.
var proverHashrateWindows = map[string]time.Duration{
	"2m":  2 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
}

var poolHashrateWindows = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
}

// ProverState is the server's record of one authenticated connection,
// created on authorize and destroyed on disconnect, owned by Server.
type ProverState struct {
	PeerAddr string
	Address  string

	mu      sync.Mutex
	meters  map[string]*ratemeter.Meter
}

// NewProverState allocates a fresh ProverState for a just-authorized connection.
func NewProverState(peerAddr, address string) *ProverState {
	meters := make(map[string]*ratemeter.Meter, len(proverHashrateWindows))
	for name, window := range proverHashrateWindows {
		meters[name] = ratemeter.New(window)
	}
	return &ProverState{PeerAddr: peerAddr, Address: address, meters: meters}
}

// AddShare records one accepted share of the given target across every window.
func (p *ProverState) AddShare(target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.meters {
		m.Event(float64(target))
	}
}

// Hashrate reports the estimated share-weighted rate over the named window ("2m", "5m", "15m", "30m", "1h").
func (p *ProverState) Hashrate(window string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.meters[window]
	if !ok {
		return 0
	}
	return m.Speed()
}

// PoolState is the server-wide singleton diagnostic counterpart to ProverState.
type PoolState struct {
	mu     sync.Mutex
	meters map[string]*ratemeter.Meter
}

// NewPoolState allocates the pool-wide diagnostic meters.
func NewPoolState() *PoolState {
	meters := make(map[string]*ratemeter.Meter, len(poolHashrateWindows))
	for name, window := range poolHashrateWindows {
		meters[name] = ratemeter.New(window)
	}
	return &PoolState{meters: meters}
}

// AddShare records one accepted share pool-wide across every window.
func (p *PoolState) AddShare(target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.meters {
		m.Event(float64(target))
	}
}

// Hashrate reports the pool-wide estimated rate over the named window.
func (p *PoolState) Hashrate(window string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.meters[window]
	if !ok {
		return 0
	}
	return m.Speed()
}
