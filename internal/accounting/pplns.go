// Package accounting implements the PPLNS (Pay Per Last N Shares)
// share-accounting pipeline: a live incremental FIFO window of
// recently credited shares, block-credit resolution against that
// window, and duplicate-block protection.
package accounting

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/chimera-pool/puzzlepool/internal/kvstore"
	"github.com/chimera-pool/puzzlepool/internal/stratum"
	"github.com/chimera-pool/puzzlepool/internal/ttlmap"
)

const snapshotPrefix = "PPLNS"
const blockDedupTTL = 10 * time.Minute

// EpochHash is an alias of stratum.EpochHash so that Calculator's
// NewShare signature matches the stratum.AccountingSink interface it
// implements without a conversion at the call site.
type EpochHash = stratum.EpochHash

// ShareEntry is one FIFO-window row: a credited share's weight and
// the epoch it was earned in.
type ShareEntry struct {
	Address   string
	Weight    uint64
	EpochHash EpochHash
}

// PayoutRow is one address's share of a block's reward, ready to be
// written to the relational sink.
type PayoutRow struct {
	Address   string
	BlockHash string
	EpochHash EpochHash
	Amount    uint64
}

// RelationalSink is the write-through destination for resolved
// payouts; implemented by internal/relational.
type RelationalSink interface {
	WritePayouts(rows []PayoutRow) error
}

// Snapshotter is the ordered-KV persistence used to survive restarts;
// implemented by internal/kvstore.Store.
type Snapshotter interface {
	ReplaceAll(prefix string, values [][]byte) error
	ScanAll(prefix string) ([]kvstore.Entry, error)
}

// Calculator maintains the PPLNS FIFO window and resolves blocks
// against it. All mutation goes through the same mutex, including
// NewShare and SetN, since the source implementation does not
// serialize those operations against each other and leaving it to two
// independent locks would reintroduce that race.
type Calculator struct {
	mu    sync.Mutex
	n     uint64
	sum   uint64
	queue []ShareEntry // oldest first

	snapshot   Snapshotter
	sink       RelationalSink
	seenBlocks *ttlmap.Map[string, struct{}]
}

// NewCalculator builds a Calculator with window size n, persisting
// snapshots through snapshot and writing resolved payouts through sink.
func NewCalculator(n uint64, snapshot Snapshotter, sink RelationalSink) *Calculator {
	return &Calculator{
		n:          n,
		snapshot:   snapshot,
		sink:       sink,
		seenBlocks: ttlmap.New[string, struct{}](blockDedupTTL),
	}
}

// LoadSnapshot reloads the FIFO window from the ordered-KV snapshot,
// in the ascending insertion order the store guarantees. Call once at
// startup before accepting shares.
func (c *Calculator) LoadSnapshot() error {
	entries, err := c.snapshot.ScanAll(snapshotPrefix)
	if err != nil {
		return fmt.Errorf("load PPLNS snapshot: %w", err)
	}

	queue := make([]ShareEntry, 0, len(entries))
	var sum uint64
	for _, e := range entries {
		var share ShareEntry
		if err := gobDecode(e.Value, &share); err != nil {
			return fmt.Errorf("decode PPLNS snapshot entry: %w", err)
		}
		queue = append(queue, share)
		sum += share.Weight
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = queue
	c.sum = sum
	return nil
}

// NewShare pushes a freshly credited share onto the window, evicting
// the oldest entries first while the running sum would exceed N.
func (c *Calculator) NewShare(address string, weight uint64, epochHash EpochHash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.sum+weight > c.n && len(c.queue) > 0 {
		oldest := c.queue[0]
		c.queue = c.queue[1:]
		c.sum -= oldest.Weight
	}

	c.queue = append(c.queue, ShareEntry{Address: address, Weight: weight, EpochHash: epochHash})
	c.sum += weight

	return c.persistLocked()
}

// SetN updates the window size, shrinking the queue from the oldest
// end if the new size is smaller than the current running sum.
func (c *Calculator) SetN(newN uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.n = newN
	for c.sum > c.n && len(c.queue) > 0 {
		oldest := c.queue[0]
		c.queue = c.queue[1:]
		c.sum -= oldest.Weight
	}

	return c.persistLocked()
}

// NewBlock resolves a found block against the current window,
// emitting one payout row per contributing address proportional to
// its share of the window's total weight. Duplicate (epoch, blockHash)
// pairs within blockDedupTTL are ignored rather than double-credited.
func (c *Calculator) NewBlock(epochHash EpochHash, blockHash string, reward uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dedupKey := fmt.Sprintf("%x:%s", epochHash, blockHash)
	if c.seenBlocks.Has(dedupKey) {
		return nil
	}

	byAddress := make(map[string]uint64, len(c.queue))
	for _, e := range c.queue {
		byAddress[e.Address] += e.Weight
	}
	sum := c.sum

	if sum == 0 {
		return nil
	}

	rows := make([]PayoutRow, 0, len(byAddress))
	for addr, weight := range byAddress {
		amount := uint64(float64(weight) / float64(sum) * float64(reward))
		rows = append(rows, PayoutRow{Address: addr, BlockHash: blockHash, EpochHash: epochHash, Amount: amount})
	}

	if err := c.sink.WritePayouts(rows); err != nil {
		return fmt.Errorf("write payouts for block %s: %w", blockHash, err)
	}

	c.seenBlocks.Set(dedupKey, struct{}{})
	return nil
}

// WindowSum returns the current total weight held in the FIFO window.
func (c *Calculator) WindowSum() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

// N returns the currently configured window size.
func (c *Calculator) N() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Len returns the number of entries currently held in the window.
func (c *Calculator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Calculator) persistLocked() error {
	values := make([][]byte, 0, len(c.queue))
	for _, e := range c.queue {
		b, err := gobEncode(e)
		if err != nil {
			return fmt.Errorf("encode PPLNS entry: %w", err)
		}
		values = append(values, b)
	}
	return c.snapshot.ReplaceAll(snapshotPrefix, values)
}

func gobEncode(v ShareEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v *ShareEntry) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
