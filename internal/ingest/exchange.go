package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/domain/errs"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
)

// ExchangeClient is the slice of a venue client the exchange scan consumes.
type ExchangeClient interface {
	FetchMarket(ctx context.Context, marketID string) (*providers.MarketQuote, error)
}

// ExchangeResult summarizes one exchange scan.
type ExchangeResult struct {
	MarketsScanned int
	MarketsFailed  int
	RowsInserted   int
	TouchedKeys    []string
}

// ExchangeIngestor runs the exchange quote scan over canonical alignments. One
// market's failure never stops the batch; rows land via conflict-ignore on
// the (source, market_id, outcome_name, timestamp) identity.
type ExchangeIngestor struct {
	store      *persistence.Store
	kalshi     ExchangeClient
	polymarket ExchangeClient
	cfg        *config.Config
}

// NewExchangeIngestor wires the exchange scan. polymarket may be nil; it is
// only consulted when config enables the feed.
func NewExchangeIngestor(store *persistence.Store, kalshi, polymarket ExchangeClient, cfg *config.Config) *ExchangeIngestor {
	return &ExchangeIngestor{store: store, kalshi: kalshi, polymarket: polymarket, cfg: cfg}
}

// IngestExchange parses one raw normalized payload and appends its usable
// outcomes. Malformed JSON or a missing market_id is a validation error;
// individual bad outcomes are skipped, not fatal.
func (ing *ExchangeIngestor) IngestExchange(ctx context.Context, canonicalKey string, source domain.ExchangeSource, raw []byte) (int, error) {
	var quote providers.MarketQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return 0, errs.Validationf("exchange payload for %s: %v", canonicalKey, err)
	}
	return ing.ingestQuote(ctx, canonicalKey, source, &quote)
}

// IngestExchangeCycle scans alignment rows near tipoff and pulls fresh
// quotes per linked venue market, bounded by the per-venue cycle caps.
func (ing *ExchangeIngestor) IngestExchangeCycle(ctx context.Context, now time.Time) (ExchangeResult, error) {
	res := ExchangeResult{}

	kalshiMax := ing.cfg.Kalshi.MaxPerCycle
	polyMax := 0
	if ing.polymarketEnabled() {
		polyMax = ing.cfg.Polymarket.MaxPerCycle
	}
	if kalshiMax <= 0 && polyMax <= 0 {
		return res, nil
	}

	alignments, err := ing.store.Alignments.ListScanCandidates(ctx, now, kalshiMax+polyMax)
	if err != nil {
		return res, fmt.Errorf("alignment scan: %w", err)
	}

	touched := make(map[string]struct{})
	kalshiDone, polyDone := 0, 0

	for _, a := range alignments {
		if kalshiDone < kalshiMax && a.KalshiMarketID != nil && *a.KalshiMarketID != "" {
			kalshiDone++
			ing.scanMarket(ctx, &res, touched, a.CanonicalEventKey, domain.SourceKalshi, ing.kalshi, *a.KalshiMarketID)
		}
		if polyDone < polyMax && a.PolymarketMarketID != nil && *a.PolymarketMarketID != "" {
			polyDone++
			ing.scanMarket(ctx, &res, touched, a.CanonicalEventKey, domain.SourcePolymarket, ing.polymarket, *a.PolymarketMarketID)
		}
	}

	for key := range touched {
		res.TouchedKeys = append(res.TouchedKeys, key)
	}

	log.Info().
		Int("markets_scanned", res.MarketsScanned).
		Int("markets_failed", res.MarketsFailed).
		Int("rows_inserted", res.RowsInserted).
		Msg("exchange scan complete")
	return res, nil
}

// scanMarket fetches and ingests one venue market, failing open on error.
func (ing *ExchangeIngestor) scanMarket(ctx context.Context, res *ExchangeResult, touched map[string]struct{}, canonicalKey string, source domain.ExchangeSource, client ExchangeClient, marketID string) {
	res.MarketsScanned++

	quote, err := client.FetchMarket(ctx, marketID)
	if err != nil {
		res.MarketsFailed++
		log.Warn().Err(err).
			Str("canonical_event_key", canonicalKey).
			Str("source", string(source)).
			Str("market_id", marketID).
			Msg("exchange market fetch failed")
		return
	}

	n, err := ing.ingestQuote(ctx, canonicalKey, source, quote)
	if err != nil {
		res.MarketsFailed++
		log.Warn().Err(err).
			Str("canonical_event_key", canonicalKey).
			Str("source", string(source)).
			Str("market_id", marketID).
			Msg("exchange quote ingest failed")
		return
	}
	if n > 0 {
		res.RowsInserted += n
		touched[canonicalKey] = struct{}{}
	}
}

func (ing *ExchangeIngestor) ingestQuote(ctx context.Context, canonicalKey string, source domain.ExchangeSource, quote *providers.MarketQuote) (int, error) {
	if quote == nil {
		return 0, nil
	}
	if quote.MarketID == "" {
		return 0, errs.Validationf("exchange payload for %s has no market_id", canonicalKey)
	}

	rows := normalizeQuote(canonicalKey, source, quote, time.Now().UTC())
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := ing.store.ExchangeQuotes.InsertBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("exchange quote insert %s: %w", quote.MarketID, err)
	}
	return n, nil
}

func (ing *ExchangeIngestor) polymarketEnabled() bool {
	return ing.polymarket != nil && ing.cfg.Polymarket.Enabled
}

// normalizeQuote converts the shared payload into rows, dropping outcomes
// with an unknown name or an out-of-range probability and substituting
// server time for a missing timestamp.
func normalizeQuote(canonicalKey string, source domain.ExchangeSource, quote *providers.MarketQuote, now time.Time) []persistence.ExchangeQuoteEvent {
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = now
	}

	rows := make([]persistence.ExchangeQuoteEvent, 0, len(quote.Outcomes))
	for _, out := range quote.Outcomes {
		name := strings.ToUpper(strings.TrimSpace(out.Name))
		if name != providers.OutcomeYes && name != providers.OutcomeNo {
			continue
		}
		if out.Probability < 0 || out.Probability > 1 {
			continue
		}
		rows = append(rows, persistence.ExchangeQuoteEvent{
			CanonicalEventKey: canonicalKey,
			Source:            source,
			MarketID:          quote.MarketID,
			OutcomeName:       name,
			Probability:       out.Probability,
			Price:             out.Price,
			Timestamp:         ts.UTC(),
		})
	}
	return rows
}
