package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/domain/errs"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
)

func strPtr(s string) *string { return &s }

func TestIngestExchangeParsesNormalizedPayload(t *testing.T) {
	store, _, _, _, _, exch := newTestStore()
	ing := NewExchangeIngestor(store, nil, nil, config.DefaultConfig())

	raw := []byte(`{
		"market_id": "NBA-LAL-BOS",
		"outcomes": [
			{"name": "YES", "probability": 0.56, "price": 56},
			{"name": "NO", "probability": 0.44, "price": 44}
		],
		"timestamp": "2025-11-01T23:55:00Z"
	}`)

	n, err := ing.IngestExchange(context.Background(), "ck-1", domain.SourceKalshi, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, exch.inserted, 2)
	row := exch.inserted[0]
	assert.Equal(t, "ck-1", row.CanonicalEventKey)
	assert.Equal(t, domain.SourceKalshi, row.Source)
	assert.Equal(t, "NBA-LAL-BOS", row.MarketID)
	assert.Equal(t, "YES", row.OutcomeName)
	assert.InDelta(t, 0.56, row.Probability, 1e-9)
	require.NotNil(t, row.Price)
	assert.InDelta(t, 56.0, *row.Price, 1e-9)
	assert.Equal(t, time.Date(2025, 11, 1, 23, 55, 0, 0, time.UTC), row.Timestamp)
}

func TestIngestExchangeDefensiveParsing(t *testing.T) {
	t.Run("bad outcomes skipped not fatal", func(t *testing.T) {
		store, _, _, _, _, exch := newTestStore()
		ing := NewExchangeIngestor(store, nil, nil, config.DefaultConfig())

		raw := []byte(`{
			"market_id": "M1",
			"outcomes": [
				{"name": "", "probability": 0.5},
				{"name": "MAYBE", "probability": 0.5},
				{"name": "yes", "probability": 0.61},
				{"name": "NO", "probability": 1.4}
			]
		}`)

		n, err := ing.IngestExchange(context.Background(), "ck-1", domain.SourceKalshi, raw)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the lowercase yes outcome is usable")
		require.Len(t, exch.inserted, 1)
		assert.Equal(t, "YES", exch.inserted[0].OutcomeName)
	})

	t.Run("missing timestamp uses server time", func(t *testing.T) {
		store, _, _, _, _, exch := newTestStore()
		ing := NewExchangeIngestor(store, nil, nil, config.DefaultConfig())

		raw := []byte(`{"market_id": "M1", "outcomes": [{"name": "YES", "probability": 0.5}]}`)
		_, err := ing.IngestExchange(context.Background(), "ck-1", domain.SourceKalshi, raw)
		require.NoError(t, err)
		require.Len(t, exch.inserted, 1)
		assert.WithinDuration(t, time.Now().UTC(), exch.inserted[0].Timestamp, 5*time.Second)
	})

	t.Run("malformed json is a validation error", func(t *testing.T) {
		store, _, _, _, _, _ := newTestStore()
		ing := NewExchangeIngestor(store, nil, nil, config.DefaultConfig())

		_, err := ing.IngestExchange(context.Background(), "ck-1", domain.SourceKalshi, []byte(`{nope`))
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("missing market_id is a validation error", func(t *testing.T) {
		store, _, _, _, _, _ := newTestStore()
		ing := NewExchangeIngestor(store, nil, nil, config.DefaultConfig())

		_, err := ing.IngestExchange(context.Background(), "ck-1", domain.SourceKalshi, []byte(`{"outcomes":[{"name":"YES","probability":0.5}]}`))
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestIngestExchangeCycleFailsOpenPerMarket(t *testing.T) {
	store, _, _, _, aligns, exch := newTestStore()
	aligns.candidates = []persistence.CanonicalEventAlignment{
		{CanonicalEventKey: "ck-1", KalshiMarketID: strPtr("K1")},
		{CanonicalEventKey: "ck-2", KalshiMarketID: strPtr("K2")},
	}

	price := 56.0
	kalshi := &fakeExchange{
		quotes: map[string]*providers.MarketQuote{
			"K1": {
				MarketID:  "K1",
				Timestamp: time.Date(2025, 11, 1, 23, 55, 0, 0, time.UTC),
				Outcomes: []providers.OutcomeQuote{
					{Name: "YES", Probability: 0.56, Price: &price},
					{Name: "NO", Probability: 0.44},
				},
			},
		},
		errs: map[string]error{"K2": errs.Transientf("kalshi: upstream status 503")},
	}

	ing := NewExchangeIngestor(store, kalshi, nil, config.DefaultConfig())
	res, err := ing.IngestExchangeCycle(context.Background(), time.Now().UTC())
	require.NoError(t, err, "one market failing must not fail the batch")

	assert.Equal(t, 2, res.MarketsScanned)
	assert.Equal(t, 1, res.MarketsFailed)
	assert.Equal(t, 2, res.RowsInserted)
	assert.Equal(t, []string{"ck-1"}, res.TouchedKeys)
	assert.Equal(t, []string{"K1", "K2"}, kalshi.calls)
	require.Len(t, exch.inserted, 2)
}

func TestIngestExchangeCycleHonorsPerVenueCap(t *testing.T) {
	store, _, _, _, aligns, _ := newTestStore()
	aligns.candidates = []persistence.CanonicalEventAlignment{
		{CanonicalEventKey: "ck-1", KalshiMarketID: strPtr("K1")},
		{CanonicalEventKey: "ck-2", KalshiMarketID: strPtr("K2")},
		{CanonicalEventKey: "ck-3", KalshiMarketID: strPtr("K3")},
	}

	kalshi := &fakeExchange{quotes: map[string]*providers.MarketQuote{}}
	cfg := config.DefaultConfig()
	cfg.Kalshi.MaxPerCycle = 2

	ing := NewExchangeIngestor(store, kalshi, nil, cfg)
	res, err := ing.IngestExchangeCycle(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 2, res.MarketsScanned)
	assert.Len(t, kalshi.calls, 2)
}

func TestIngestExchangeCyclePolymarketDisabledByDefault(t *testing.T) {
	store, _, _, _, aligns, _ := newTestStore()
	aligns.candidates = []persistence.CanonicalEventAlignment{
		{CanonicalEventKey: "ck-1", PolymarketMarketID: strPtr("P1")},
	}

	poly := &fakeExchange{quotes: map[string]*providers.MarketQuote{}}
	ing := NewExchangeIngestor(store, &fakeExchange{}, poly, config.DefaultConfig())

	res, err := ing.IngestExchangeCycle(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, res.MarketsScanned)
	assert.Empty(t, poly.calls)
}

func TestIngestExchangeCyclePolymarketEnabled(t *testing.T) {
	store, _, _, _, aligns, _ := newTestStore()
	aligns.candidates = []persistence.CanonicalEventAlignment{
		{CanonicalEventKey: "ck-1", PolymarketMarketID: strPtr("P1")},
	}

	poly := &fakeExchange{
		quotes: map[string]*providers.MarketQuote{
			"P1": {
				MarketID:  "P1",
				Timestamp: time.Now().UTC(),
				Outcomes:  []providers.OutcomeQuote{{Name: "YES", Probability: 0.61}},
			},
		},
	}
	cfg := config.DefaultConfig()
	cfg.Polymarket.Enabled = true

	ing := NewExchangeIngestor(store, &fakeExchange{}, poly, cfg)
	res, err := ing.IngestExchangeCycle(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarketsScanned)
	assert.Equal(t, 1, res.RowsInserted)
	assert.Equal(t, []string{"P1"}, poly.calls)
}
