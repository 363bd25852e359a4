// Package vardiff implements per-prover and pool-wide difficulty
// targeting: a per-miner map guarded by an RWMutex with per-entry
// locking for the rows themselves, and a rate-meter-driven formula
// that scales each prover's target to hold a steady expected
// inter-share time.
package vardiff

import (
	"errors"
	"sync"
	"time"

	"github.com/chimera-pool/puzzlepool/internal/ratemeter"
)

// Config tunes the targeting formulas.
type Config struct {
	// TargetIntershareSeconds is the desired average time between
	// shares from a single prover (next_target = speed_2m * this).
	TargetIntershareSeconds float64
	// HysteresisPercent is the minimum deviation between next_target
	// and current_target required to promote.
	HysteresisPercent float64
	// PoolShareDivisor is the divisor applied to pool-wide speed_1m to
	// derive next_global_target_modifier.
	PoolShareDivisor float64
}

// DefaultConfig returns the standard production constants: a 20s
// target inter-share time, 10% promotion hysteresis, and a pool
// modifier divisor of 200.
func DefaultConfig() Config {
	return Config{
		TargetIntershareSeconds: 20,
		HysteresisPercent:       10,
		PoolShareDivisor:        200,
	}
}

// Validate checks the configuration for sane values.
func (c Config) Validate() error {
	if c.TargetIntershareSeconds <= 0 {
		return errors.New("target intershare seconds must be positive")
	}
	if c.HysteresisPercent < 0 {
		return errors.New("hysteresis percent cannot be negative")
	}
	if c.PoolShareDivisor <= 0 {
		return errors.New("pool share divisor must be positive")
	}
	return nil
}

// proverState is the per-prover row; mutations go through its own
// mutex so share processing for different provers does not serialize
// through the outer Manager map lock.
type proverState struct {
	mu      sync.Mutex
	meter   *ratemeter.Meter
	current uint64
	next    uint64
}

// Manager tracks per-prover difficulty targets. Its outer map lock
// protects membership only; value mutation is protected by the row's
// own mutex, so share processing for different provers never
// serializes through the outer lock.
type Manager struct {
	config Config
	mu     sync.RWMutex
	rows   map[string]*proverState
}

// NewManager creates a Manager with the given config.
func NewManager(config Config) *Manager {
	return &Manager{
		config: config,
		rows:   make(map[string]*proverState),
	}
}

// CurrentTarget returns the prover's current_target, defaulting to 1
// for a prover not yet seen.
func (m *Manager) CurrentTarget(proverID string) uint64 {
	row := m.getOrCreate(proverID)
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.current
}

// RecordShare registers a share accepted at the given target and
// recomputes next_target from the 2-minute speed window. It returns
// the target to use going forward and whether it changed from the
// previous current_target (i.e. whether a set_target should be sent).
func (m *Manager) RecordShare(proverID string, target uint64) (newTarget uint64, changed bool) {
	row := m.getOrCreate(proverID)

	row.mu.Lock()
	defer row.mu.Unlock()

	row.meter.Event(float64(target))

	speed2m := row.meter.Speed()
	next := uint64(speed2m * m.config.TargetIntershareSeconds)
	if next < 1 {
		next = 1
	}
	row.next = next

	if row.current == 0 {
		row.current = next
		return row.current, true
	}

	deviation := deviationPercent(row.next, row.current)
	if deviation > m.config.HysteresisPercent {
		row.current = row.next
		return row.current, true
	}
	return row.current, false
}

// RemoveMiner drops a prover's state on disconnect.
func (m *Manager) RemoveMiner(proverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, proverID)
}

func (m *Manager) getOrCreate(proverID string) *proverState {
	m.mu.RLock()
	row, ok := m.rows[proverID]
	m.mu.RUnlock()
	if ok {
		return row
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok = m.rows[proverID]; ok {
		return row
	}
	row = &proverState{
		meter:   ratemeter.New(2 * time.Minute),
		current: 1,
	}
	m.rows[proverID] = row
	return row
}

// PoolModifier tracks the pool-wide next_global_target_modifier, fed
// by the 1-minute share-count speed across every prover.
type PoolModifier struct {
	config Config
	mu     sync.Mutex
	meter  *ratemeter.Meter
}

// NewPoolModifier creates a PoolModifier with the given config.
func NewPoolModifier(config Config) *PoolModifier {
	return &PoolModifier{
		config: config,
		meter:  ratemeter.New(1 * time.Minute),
	}
}

// RecordShare registers a single accepted share pool-wide and returns
// the recomputed next_global_target_modifier.
func (p *PoolModifier) RecordShare() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.meter.Event(1)
	speed1m := p.meter.Speed()

	modifier := speed1m / p.config.PoolShareDivisor
	if modifier < 1.0 {
		modifier = 1.0
	}
	return modifier
}

// Modifier returns the current modifier without recording a share.
func (p *PoolModifier) Modifier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	speed1m := p.meter.Speed()
	modifier := speed1m / p.config.PoolShareDivisor
	if modifier < 1.0 {
		modifier = 1.0
	}
	return modifier
}

func deviationPercent(next, current uint64) float64 {
	if current == 0 {
		return 100
	}
	diff := float64(next) - float64(current)
	if diff < 0 {
		diff = -diff
	}
	return diff / float64(current) * 100
}
