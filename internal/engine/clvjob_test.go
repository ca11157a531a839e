package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/clv"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/persistence"
)

func TestClvPassDispatchesFreshRecords(t *testing.T) {
	f := newFixture()
	f.clv.closings = clv.ClosingResult{GamesExamined: 3, RowsUpserted: 12}
	f.clv.result = clv.ClvResult{
		RecordsInserted: 2,
		Records: []persistence.ClvRecord{
			{SignalID: "s1"},
			{SignalID: "s2"},
		},
	}

	f.engine.clvPass(context.Background())

	require.Len(t, f.dispatcher.clvBatches, 1)
	assert.Len(t, f.dispatcher.clvBatches[0], 2)
}

func TestClvPassSkipsDispatchWithoutRecords(t *testing.T) {
	f := newFixture()
	f.clv.result = clv.ClvResult{SignalsExamined: 5, ClosingsMissing: 5}

	f.engine.clvPass(context.Background())

	assert.Empty(t, f.dispatcher.clvBatches)
}

func TestClvPassStopsWhenClosingCaptureFails(t *testing.T) {
	f := newFixture()
	f.clv.closeErr = errors.New("select closing rows: timeout")
	f.clv.result = clv.ClvResult{Records: []persistence.ClvRecord{{SignalID: "s1"}}}

	f.engine.clvPass(context.Background())

	assert.Empty(t, f.dispatcher.clvBatches, "measurement must not run against stale closings")
}

func TestRunCLVExitsWhenDisabled(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.CLV.Enabled = false })

	done := make(chan struct{})
	go func() {
		f.engine.RunCLV(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled clv job did not return")
	}
	assert.Empty(t, f.dispatcher.clvBatches)
}
