package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/chimera-pool/puzzlepool/internal/accounting"
)

// Sink is the write-through destination for resolved payouts and
// accepted shares, backed by Postgres through sqlx. It retries
// transient write failures with bounded exponential backoff rather
// than dropping accounting data on a momentary connection blip.
type Sink struct {
	db      *sqlx.DB
	retry   backoff.BackOff
	timeout time.Duration
}

// NewSink wraps pool's underlying *sql.DB in an sqlx.DB and configures
// an exponential backoff of up to 5 retries after the first attempt
// for transient write failures.
func NewSink(pool *ConnectionPool) *Sink {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return &Sink{
		db:      sqlx.NewDb(pool.DB(), "postgres"),
		retry:   backoff.WithMaxRetries(b, 5),
		timeout: 5 * time.Second,
	}
}

// WritePayouts persists resolved payout rows, satisfying
// accounting.RelationalSink. A payout for an (address, block_hash)
// pair already on record is left untouched rather than duplicated.
func (s *Sink) WritePayouts(rows []accounting.PayoutRow) error {
	if len(rows) == 0 {
		return nil
	}

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin payout write: %w", err)
		}
		defer tx.Rollback()

		const stmt = `
			INSERT INTO payouts (address, block_hash, epoch_hash, amount)
			VALUES (:address, :block_hash, :epoch_hash, :amount)
			ON CONFLICT (address, block_hash) DO NOTHING`

		for _, row := range rows {
			if _, err := tx.NamedExecContext(ctx, stmt, payoutRecord{
				Address:   row.Address,
				BlockHash: row.BlockHash,
				EpochHash: fmt.Sprintf("%x", row.EpochHash),
				Amount:    int64(row.Amount),
			}); err != nil {
				return fmt.Errorf("insert payout row: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit payout write: %w", err)
		}
		return nil
	}, s.retry)
}

// RecordShare persists one accepted share for auditing/reporting,
// independent of the PPLNS in-memory window.
func (s *Sink) RecordShare(address, peerAddr string, target uint64, epochHash [32]byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	const stmt = `
		INSERT INTO shares (address, peer_addr, target, epoch_hash)
		VALUES (:address, :peer_addr, :target, :epoch_hash)`

	_, err := s.db.NamedExecContext(ctx, stmt, shareRecord{
		Address:   address,
		PeerAddr:  peerAddr,
		Target:    int64(target),
		EpochHash: fmt.Sprintf("%x", epochHash),
	})
	if err != nil {
		return fmt.Errorf("insert share row: %w", err)
	}
	return nil
}

type payoutRecord struct {
	Address   string `db:"address"`
	BlockHash string `db:"block_hash"`
	EpochHash string `db:"epoch_hash"`
	Amount    int64  `db:"amount"`
}

type shareRecord struct {
	Address   string `db:"address"`
	PeerAddr  string `db:"peer_addr"`
	Target    int64  `db:"target"`
	EpochHash string `db:"epoch_hash"`
}
