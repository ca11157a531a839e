package clv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

// archiveEvent builds one archived game with three books quoting a home
// spread and both h2h sides.
func archiveEvent(eventID string, spreadLines []float64, spreadPrices []int) oddsapi.Event {
	ev := oddsapi.Event{ID: eventID, HomeTeam: "Boston Celtics", AwayTeam: "Miami Heat"}
	for i := range spreadLines {
		line := spreadLines[i]
		ev.Bookmakers = append(ev.Bookmakers, oddsapi.Bookmaker{
			Key: "book" + string(rune('a'+i)),
			Markets: []oddsapi.Market{
				{Key: "spreads", Outcomes: []oddsapi.Outcome{{Name: "Boston Celtics", Price: spreadPrices[i], Point: &line}}},
				{Key: "h2h", Outcomes: []oddsapi.Outcome{
					{Name: "Boston Celtics", Price: -160},
					{Name: "Miami Heat", Price: 140},
				}},
			},
		})
	}
	return ev
}

func archiveSnap(ts time.Time, events ...oddsapi.Event) *oddsapi.HistoricalSnapshot {
	return &oddsapi.HistoricalSnapshot{Timestamp: ts, Data: events}
}

func TestBackfillPicksLatestPreTipoffSnapshot(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	now := tipoff.Add(3 * time.Hour)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{{
		EventID:      "evt-1",
		SportKey:     "basketball_nba",
		CommenceTime: tipoff,
	}}

	// The archive answers two of the sampling points; the -5m one is the
	// freshest pre-tipoff capture and must win.
	staleTS := tipoff.Add(-32 * time.Minute)
	closeTS := tipoff.Add(-6 * time.Minute)
	f.hist.snapshots[tipoff.Add(-30*time.Minute)] = archiveSnap(staleTS,
		archiveEvent("evt-1", []float64{-3.0, -3.5, -3.0}, []int{-110, -110, -112}))
	f.hist.snapshots[tipoff.Add(-5*time.Minute)] = archiveSnap(closeTS,
		archiveEvent("evt-1", []float64{-3.5, -4.0, -4.0}, []int{-110, -112, -108}))

	res, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GamesExamined)
	assert.Equal(t, 1, res.GamesBackfilled)
	assert.Equal(t, 0, res.GamesInferred)
	assert.Equal(t, 0, res.GamesFailed)
	assert.Equal(t, 3, res.RowsUpserted, "one spreads row and two h2h rows")

	spread, err := f.closing.Get(context.Background(), "evt-1", domain.MarketSpreads, "Boston Celtics")
	require.NoError(t, err)
	require.NotNil(t, spread)
	require.NotNil(t, spread.CloseLine)
	assert.InDelta(t, -4.0, *spread.CloseLine, 1e-9, "median of -3.5/-4.0/-4.0")
	require.NotNil(t, spread.ClosePrice)
	assert.Equal(t, -110, *spread.ClosePrice, "median of -110/-112/-108")
	assert.Equal(t, closeTS, spread.CloseFetchedAt, "freshest pre-tipoff capture wins")

	h2h, err := f.closing.Get(context.Background(), "evt-1", domain.MarketH2H, "Miami Heat")
	require.NoError(t, err)
	require.NotNil(t, h2h)
	assert.Nil(t, h2h.CloseLine)
	assert.Equal(t, 140, *h2h.ClosePrice)

	// Offsets walk from tightest to widest before the post-tipoff fallback.
	require.GreaterOrEqual(t, len(f.hist.fetched), 2)
	assert.Equal(t, tipoff.Add(-5*time.Minute), f.hist.fetched[0])
	assert.Equal(t, tipoff.Add(-15*time.Minute), f.hist.fetched[1])
}

func TestBackfillDedupesRepeatedArchiveCaptures(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	now := tipoff.Add(3 * time.Hour)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{{
		EventID:      "evt-1",
		SportKey:     "basketball_nba",
		CommenceTime: tipoff,
	}}

	// A sparse archive resolves the -5m and -15m requests to the same
	// capture; only the first copy contributes samples.
	sharedTS := tipoff.Add(-20 * time.Minute)
	f.hist.snapshots[tipoff.Add(-5*time.Minute)] = archiveSnap(sharedTS,
		archiveEvent("evt-1", []float64{-3.5}, []int{-110}))
	f.hist.snapshots[tipoff.Add(-15*time.Minute)] = archiveSnap(sharedTS,
		archiveEvent("evt-1", []float64{-7.5}, []int{-130}))

	res, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GamesBackfilled)

	spread, err := f.closing.Get(context.Background(), "evt-1", domain.MarketSpreads, "Boston Celtics")
	require.NoError(t, err)
	require.NotNil(t, spread)
	assert.InDelta(t, -3.5, *spread.CloseLine, 1e-9, "duplicate capture contributes nothing")
}

func TestBackfillInfersFromPostTipoffSample(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	now := tipoff.Add(3 * time.Hour)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{{
		EventID:      "evt-1",
		SportKey:     "basketball_nba",
		CommenceTime: tipoff,
	}}

	postTS := tipoff.Add(8 * time.Minute)
	f.hist.snapshots[tipoff.Add(10*time.Minute)] = archiveSnap(postTS,
		archiveEvent("evt-1", []float64{-4.5}, []int{-115}))

	res, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GamesBackfilled)
	assert.Equal(t, 1, res.GamesInferred)

	spread, err := f.closing.Get(context.Background(), "evt-1", domain.MarketSpreads, "Boston Celtics")
	require.NoError(t, err)
	require.NotNil(t, spread)
	assert.Equal(t, postTS, spread.CloseFetchedAt)
	assert.InDelta(t, -4.5, *spread.CloseLine, 1e-9)
}

func TestBackfillSkipsFutureSamplingPoints(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	// Five minutes after tipoff the +10m point is still in the future.
	now := tipoff.Add(5 * time.Minute)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{{
		EventID:      "evt-1",
		SportKey:     "basketball_nba",
		CommenceTime: tipoff,
	}}
	f.hist.snapshots[tipoff.Add(-5*time.Minute)] = archiveSnap(tipoff.Add(-6*time.Minute),
		archiveEvent("evt-1", []float64{-3.5}, []int{-110}))

	_, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	for _, at := range f.hist.fetched {
		assert.False(t, at.After(now), "never asks the archive about the future")
	}
}

func TestBackfillFailsOpenPerGame(t *testing.T) {
	tipoffA := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	tipoffB := time.Date(2025, 11, 1, 22, 0, 0, 0, time.UTC)
	now := tipoffA.Add(3 * time.Hour)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{
		{EventID: "evt-a", SportKey: "basketball_nba", CommenceTime: tipoffA},
		{EventID: "evt-b", SportKey: "basketball_nba", CommenceTime: tipoffB},
	}
	f.hist.errAt = map[time.Time]error{tipoffA.Add(-5 * time.Minute): errBoom}
	f.hist.snapshots[tipoffB.Add(-5*time.Minute)] = archiveSnap(tipoffB.Add(-5*time.Minute),
		archiveEvent("evt-b", []float64{-2.5}, []int{-105}))

	res, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.GamesExamined)
	assert.Equal(t, 1, res.GamesFailed)
	assert.Equal(t, 1, res.GamesBackfilled, "one broken fetch never aborts the run")
}

func TestBackfillCountsUncoveredEventsAsFailed(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	now := tipoff.Add(3 * time.Hour)

	f := newFixture(baseCLVConfig())
	f.games.needingBackfill = []persistence.Game{{
		EventID:      "evt-ghost",
		SportKey:     "basketball_nba",
		CommenceTime: tipoff,
	}}
	// The archive answers but never mentions the event.
	f.hist.snapshots[tipoff.Add(-5*time.Minute)] = archiveSnap(tipoff.Add(-5*time.Minute),
		archiveEvent("evt-other", []float64{-1.5}, []int{-110}))

	res, err := f.svc.BackfillMissingCloses(context.Background(), now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.GamesFailed)
	assert.Equal(t, 0, res.RowsUpserted)
}

func TestChooseClosingPrefersPreTipoff(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	samples := []closeSample{
		{at: tipoff.Add(-30 * time.Minute), line: floatPtr(-3.0)},
		{at: tipoff.Add(-5 * time.Minute), line: floatPtr(-4.0)},
		{at: tipoff.Add(10 * time.Minute), line: floatPtr(-5.0)},
	}

	chosen, inferred := chooseClosing(samples, tipoff)
	require.NotNil(t, chosen)
	assert.False(t, inferred)
	assert.InDelta(t, -4.0, *chosen.line, 1e-9)
}

func TestChooseClosingFallsBackToEarliestPost(t *testing.T) {
	tipoff := time.Date(2025, 11, 1, 23, 10, 0, 0, time.UTC)
	samples := []closeSample{
		{at: tipoff.Add(25 * time.Minute), line: floatPtr(-5.5)},
		{at: tipoff.Add(10 * time.Minute), line: floatPtr(-5.0)},
	}

	chosen, inferred := chooseClosing(samples, tipoff)
	require.NotNil(t, chosen)
	assert.True(t, inferred)
	assert.InDelta(t, -5.0, *chosen.line, 1e-9)

	chosen, inferred = chooseClosing(nil, tipoff)
	assert.Nil(t, chosen)
	assert.False(t, inferred)
}

func TestReduceEventDropsLinelessSpreads(t *testing.T) {
	at := time.Date(2025, 11, 1, 23, 0, 0, 0, time.UTC)
	ev := oddsapi.Event{
		ID: "evt-1",
		Bookmakers: []oddsapi.Bookmaker{{
			Key: "booka",
			Markets: []oddsapi.Market{
				{Key: "spreads", Outcomes: []oddsapi.Outcome{{Name: "Boston Celtics", Price: -110}}},
				{Key: "h2h", Outcomes: []oddsapi.Outcome{{Name: "Boston Celtics", Price: -160}}},
				{Key: "outrights", Outcomes: []oddsapi.Outcome{{Name: "Boston Celtics", Price: 500}}},
			},
		}},
	}

	samples := reduceEvent(ev, at)
	_, hasSpread := samples[sampleKey{market: domain.MarketSpreads, outcome: "Boston Celtics"}]
	assert.False(t, hasSpread, "a spread without a quoted line cannot close")

	h2h, hasH2H := samples[sampleKey{market: domain.MarketH2H, outcome: "Boston Celtics"}]
	require.True(t, hasH2H)
	assert.Nil(t, h2h.line)
	require.NotNil(t, h2h.price)
	assert.Equal(t, -160, *h2h.price)
	assert.Len(t, samples, 1, "unknown market keys are ignored")
}
