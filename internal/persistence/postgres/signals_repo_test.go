package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

var signalRowColumns = []string{
	"id", "event_id", "market", "signal_type", "direction", "from_value", "to_value",
	"from_price", "to_price", "window_minutes", "books_affected", "velocity_minutes",
	"time_bucket", "strength_score", "created_at", "metadata",
}

func TestSignalsRepoListAppliesFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	created := time.Date(2025, 11, 1, 22, 5, 0, 0, time.UTC)
	rows := sqlmock.NewRows(signalRowColumns).
		AddRow("sig-1", "evt-1", "spreads", "KEY_CROSS", "DOWN", -2.5, -3.5,
			nil, nil, 15, 6, 4.5, "LATE", 74, created, []byte(`{"thresholds":[-3.0,-3.5]}`))

	mock.ExpectQuery("SELECT (.+) FROM signals WHERE event_id =").
		WithArgs("evt-1", 60, string(domain.BucketInPlay), 50, 0).
		WillReturnRows(rows)

	got, err := repo.List(context.Background(), persistence.SignalFilter{
		EventID:       "evt-1",
		MinStrength:   60,
		ExcludeInplay: true,
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sig-1", got[0].ID)
	assert.Equal(t, domain.SignalKeyCross, got[0].SignalType)
	assert.Equal(t, 74, got[0].StrengthScore)
	assert.Equal(t, []any{-3.0, -3.5}, got[0].Metadata["thresholds"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalsRepoListNoFilters(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM signals ORDER BY created_at DESC").
		WithArgs(100, 0).
		WillReturnRows(sqlmock.NewRows(signalRowColumns))

	got, err := repo.List(context.Background(), persistence.SignalFilter{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalsRepoGetBatchEmptyInput(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	got, err := repo.GetBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSignalsRepoInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	created := time.Date(2025, 11, 1, 22, 5, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO signals").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), persistence.Signal{
		ID:            "sig-1",
		EventID:       "evt-1",
		Market:        domain.MarketSpreads,
		SignalType:    domain.SignalKeyCross,
		Direction:     domain.DirectionDown,
		FromValue:     -2.5,
		ToValue:       -3.5,
		WindowMinutes: 15,
		BooksAffected: 6,
		TimeBucket:    domain.BucketLate,
		StrengthScore: 74,
		CreatedAt:     created,
		Metadata:      persistence.JSONMap{"thresholds": []float64{-3.0, -3.5}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
