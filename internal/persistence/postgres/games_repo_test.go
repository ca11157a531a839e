package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/persistence"
)

func TestGamesRepoUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	commence := time.Date(2025, 11, 2, 0, 10, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO games").
		WithArgs("evt-1", "basketball_nba", commence, "Lakers", "Celtics").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), persistence.Game{
		EventID:      "evt-1",
		SportKey:     "basketball_nba",
		CommenceTime: commence,
		HomeTeam:     "Lakers",
		AwayTeam:     "Celtics",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGamesRepoGetMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	mock.ExpectQuery("SELECT event_id, sport_key, commence_time").
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	game, err := repo.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, game)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGamesRepoGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	commence := time.Date(2025, 11, 2, 0, 10, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"event_id", "sport_key", "commence_time", "home_team", "away_team", "updated_at"}).
		AddRow("evt-1", "basketball_nba", commence, "Lakers", "Celtics", commence)
	mock.ExpectQuery("SELECT event_id, sport_key, commence_time").
		WithArgs("evt-1").
		WillReturnRows(rows)

	game, err := repo.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	require.NotNil(t, game)
	assert.Equal(t, "evt-1", game.EventID)
	assert.Equal(t, "Lakers", game.HomeTeam)
	assert.True(t, game.CommenceTime.Equal(commence))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGamesRepoGetBatchEmptyInput(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	games, err := repo.GetBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, games)
}

func TestGamesRepoCountUpcoming(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGamesRepo(db, time.Second)

	now := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(now, now.Add(12*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := repo.CountUpcoming(context.Background(), now, 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
