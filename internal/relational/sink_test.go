package relational

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/backoff/v4"

	"github.com/chimera-pool/puzzlepool/internal/accounting"
)

const defaultTestTimeout = 2 * time.Second

// noRetry is a backoff.BackOff that never retries, so a test's single
// mocked attempt is the only one exercised.
type noRetry struct{}

func (noRetry) NextBackOff() time.Duration { return backoff.Stop }
func (noRetry) Reset()                     {}

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Sink{
		db:      sqlx.NewDb(db, "postgres"),
		retry:   noRetry{},
		timeout: defaultTestTimeout,
	}, mock
}

func TestWritePayouts_InsertsEachRowInOneTransaction(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payouts").WithArgs("aleo1addr", "block-1", "0100000000000000000000000000000000000000000000000000000000000000", int64(750)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var epoch [32]byte
	epoch[0] = 1
	err := sink.WritePayouts([]accounting.PayoutRow{
		{Address: "aleo1addr", BlockHash: "block-1", EpochHash: epoch, Amount: 750},
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePayouts_EmptyRowsIsNoop(t *testing.T) {
	sink, mock := newMockSink(t)
	require.NoError(t, sink.WritePayouts(nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePayouts_RollsBackOnInsertFailure(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payouts").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	var epoch [32]byte
	err := sink.WritePayouts([]accounting.PayoutRow{
		{Address: "aleo1addr", BlockHash: "block-1", EpochHash: epoch, Amount: 1},
	})

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordShare_InsertsOneRow(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectExec("INSERT INTO shares").WithArgs("aleo1addr", "10.0.0.1:1", int64(1024), "0100000000000000000000000000000000000000000000000000000000000000").
		WillReturnResult(sqlmock.NewResult(1, 1))

	var epoch [32]byte
	epoch[0] = 1
	err := sink.RecordShare("aleo1addr", "10.0.0.1:1", 1024, epoch)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
