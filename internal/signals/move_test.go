package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

func TestDetectCycleMoveTriggerAndDedupe(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.games.games["E1"] = persistence.Game{
		EventID:      "E1",
		SportKey:     "basketball_nba",
		CommenceTime: now.Add(3 * time.Hour),
		HomeTeam:     "BOS",
		AwayTeam:     "NYK",
	}
	f.snaps.windows["E1|spreads"] = []persistence.OddsSnapshot{
		snap("E1", "pinnacle", domain.MarketSpreads, "BOS", linePtr(-3.0), -110, now.Add(-9*time.Minute)),
		snap("E1", "draftkings", domain.MarketSpreads, "BOS", linePtr(-3.0), -108, now.Add(-9*time.Minute)),
		snap("E1", "pinnacle", domain.MarketSpreads, "BOS", linePtr(-3.5), -110, now.Add(-5*time.Minute)),
		snap("E1", "draftkings", domain.MarketSpreads, "BOS", linePtr(-3.4), -108, now.Add(-5*time.Minute)),
		snap("E1", "pinnacle", domain.MarketSpreads, "BOS", linePtr(-4.0), -110, now.Add(-time.Minute)),
		snap("E1", "draftkings", domain.MarketSpreads, "BOS", linePtr(-4.0), -112, now.Add(-time.Minute)),
	}

	cooldownKey := "stratum:cooldown:move:E1:spreads:BOS:-3.0_-4.0_10m"
	f.mock.ExpectSetNX(cooldownKey, "1", 30*time.Minute).SetVal(true)

	sigs, err := f.detector.DetectCycle(context.Background(), []string{"E1"}, now)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, domain.SignalMove, sig.SignalType)
	assert.Equal(t, domain.DirectionDown, sig.Direction)
	assert.Equal(t, -3.0, sig.FromValue)
	assert.Equal(t, -4.0, sig.ToValue)
	require.NotNil(t, sig.FromPrice)
	assert.Equal(t, -110, *sig.FromPrice)
	require.NotNil(t, sig.ToPrice)
	assert.Equal(t, -112, *sig.ToPrice)
	assert.Equal(t, 10, sig.WindowMinutes)
	assert.Equal(t, 2, sig.BooksAffected)
	assert.InDelta(t, 8.0, sig.VelocityMinutes, 0.01)
	assert.Equal(t, domain.BucketMid, sig.TimeBucket)
	assert.GreaterOrEqual(t, sig.StrengthScore, 1)
	assert.LessOrEqual(t, sig.StrengthScore, 100)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "BOS", sig.Metadata["outcome_name"])
	assert.Equal(t, false, sig.Metadata["key_cross"])

	// Re-running the same window hits the cooldown key and stays silent.
	f.mock.ExpectSetNX(cooldownKey, "1", 30*time.Minute).SetVal(false)
	again, err := f.detector.DetectCycle(context.Background(), []string{"E1"}, now)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, f.sigs.inserted, 1)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDetectCycleKeyCross(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.games.games["E2"] = persistence.Game{
		EventID:      "E2",
		SportKey:     "basketball_nba",
		CommenceTime: now.Add(30 * time.Minute),
	}
	f.snaps.windows["E2|spreads"] = []persistence.OddsSnapshot{
		snap("E2", "pinnacle", domain.MarketSpreads, "BOS", linePtr(-2.5), -110, now.Add(-8*time.Minute)),
		snap("E2", "pinnacle", domain.MarketSpreads, "BOS", linePtr(-3.5), -115, now.Add(-time.Minute)),
	}

	f.mock.ExpectSetNX("stratum:cooldown:move:E2:spreads:BOS:-2.5_-3.5_10m", "1", 30*time.Minute).SetVal(true)

	sigs, err := f.detector.DetectCycle(context.Background(), []string{"E2"}, now)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, domain.SignalKeyCross, sig.SignalType)
	assert.Equal(t, domain.DirectionDown, sig.Direction)
	assert.Equal(t, true, sig.Metadata["key_cross"])
	assert.Equal(t, float64(3), sig.Metadata["key_number"])
	assert.Equal(t, domain.BucketLate, sig.TimeBucket)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCrossedKey(t *testing.T) {
	cases := []struct {
		name     string
		from, to float64
		keys     []float64
		wantKey  float64
		want     bool
	}{
		{"through key", -2.5, -3.5, []float64{3, 7}, 3, true},
		{"lands on key", -2.5, -3.0, []float64{3}, 3, true},
		{"moves off key", -3.0, -3.5, []float64{3}, 0, false},
		{"no keys configured", -2.5, -3.5, nil, 0, false},
		{"same absolute value", -3.0, 3.0, []float64{3}, 0, false},
		{"through seven", -6.5, -7.5, []float64{3, 7}, 7, true},
		{"totals key", 224.5, 226.5, []float64{225}, 225, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, crossed := crossedKey(tc.from, tc.to, tc.keys)
			assert.Equal(t, tc.want, crossed)
			if tc.want {
				assert.Equal(t, tc.wantKey, key)
			}
		})
	}
}
