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

func floatPtr(v float64) *float64 { return &v }

func divergenceRow(id int64, canonicalKey string, divType domain.DivergenceType, lagSeconds *float64, createdAt time.Time) persistence.CrossMarketDivergenceEvent {
	return persistence.CrossMarketDivergenceEvent{
		ID:                           id,
		CanonicalEventKey:            canonicalKey,
		DivergenceType:               divType,
		LeadSource:                   domain.LeadExchange,
		SportsbookThresholdValue:     floatPtr(-3.5),
		ExchangeProbabilityThreshold: floatPtr(0.55),
		LagSeconds:                   lagSeconds,
		IdempotencyKey:               "idem",
		CreatedAt:                    createdAt,
	}
}

func TestDetectExchangeDivergenceEmitsSignal(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.cross.unresolved = []persistence.CrossMarketDivergenceEvent{
		divergenceRow(71, "ck-1", domain.DivergenceOpposed, floatPtr(45), now.Add(-2*time.Minute)),
	}
	f.aligns.byKey["ck-1"] = &persistence.CanonicalEventAlignment{
		CanonicalEventKey: "ck-1",
		SportsbookEventID: "E9",
		StartTime:         now.Add(20 * time.Minute),
	}

	f.mock.ExpectSetNX("stratum:cooldown:divergence:ck-1:OPPOSED", "1", 30*time.Minute).SetVal(true)

	sigs, err := f.detector.DetectExchangeDivergence(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, domain.SignalExchangeDivergence, sig.SignalType)
	assert.Equal(t, "E9", sig.EventID)
	assert.Equal(t, domain.MarketSpreads, sig.Market)
	assert.Equal(t, domain.DirectionFlat, sig.Direction)
	assert.Equal(t, -3.5, sig.FromValue)
	assert.Equal(t, 0.55, sig.ToValue)
	assert.InDelta(t, 0.75, sig.VelocityMinutes, 0.001)
	assert.Equal(t, 30, sig.WindowMinutes)
	assert.Equal(t, domain.BucketLate, sig.TimeBucket)
	assert.Equal(t, 80, sig.StrengthScore, "opposed + tight lag + fresh row")
	assert.Equal(t, "ck-1", sig.Metadata["canonical_event_key"])
	assert.Equal(t, "OPPOSED", sig.Metadata["divergence_type"])

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDetectExchangeDivergencePerEventCap(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.cross.unresolved = []persistence.CrossMarketDivergenceEvent{
		divergenceRow(1, "ck-1", domain.DivergenceOpposed, floatPtr(45), now.Add(-2*time.Minute)),
		divergenceRow(2, "ck-1", domain.DivergenceExchangeLeads, floatPtr(400), now.Add(-20*time.Minute)),
		divergenceRow(3, "ck-1", domain.DivergenceSportsbookLeads, nil, now.Add(-25*time.Minute)),
	}
	f.aligns.byKey["ck-1"] = &persistence.CanonicalEventAlignment{
		CanonicalEventKey: "ck-1",
		SportsbookEventID: "E9",
		StartTime:         now.Add(20 * time.Minute),
	}

	f.mock.ExpectSetNX("stratum:cooldown:divergence:ck-1:OPPOSED", "1", 30*time.Minute).SetVal(true)
	f.mock.ExpectSetNX("stratum:cooldown:divergence:ck-1:EXCHANGE_LEADS", "1", 30*time.Minute).SetVal(true)

	sigs, err := f.detector.DetectExchangeDivergence(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, sigs, 2, "third divergence for the event stays capped")

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDetectExchangeDivergenceSkipsUnalignedRows(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.cross.unresolved = []persistence.CrossMarketDivergenceEvent{
		divergenceRow(1, "ck-unknown", domain.DivergenceOpposed, floatPtr(45), now.Add(-2*time.Minute)),
	}

	sigs, err := f.detector.DetectExchangeDivergence(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDetectExchangeDivergenceDisabled(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	cfg := baseSignalsConfig()
	cfg.ExchangeDivergence.Enabled = false
	f := newFixture(t, cfg)

	sigs, err := f.detector.DetectExchangeDivergence(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Zero(t, f.cross.calls, "disabled rule never queries")
}

func TestDetectExchangeDivergenceHonorsCooldown(t *testing.T) {
	now := time.Date(2025, 11, 1, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, baseSignalsConfig())

	f.cross.unresolved = []persistence.CrossMarketDivergenceEvent{
		divergenceRow(1, "ck-1", domain.DivergenceOpposed, floatPtr(45), now.Add(-2*time.Minute)),
	}
	f.aligns.byKey["ck-1"] = &persistence.CanonicalEventAlignment{
		CanonicalEventKey: "ck-1",
		SportsbookEventID: "E9",
		StartTime:         now.Add(20 * time.Minute),
	}

	f.mock.ExpectSetNX("stratum:cooldown:divergence:ck-1:OPPOSED", "1", 30*time.Minute).SetVal(false)

	sigs, err := f.detector.DetectExchangeDivergence(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Empty(t, f.sigs.inserted)

	require.NoError(t, f.mock.ExpectationsWereMet())
}
