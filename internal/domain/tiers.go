package domain

import "strings"

// VenueTier ranks sportsbooks by sharpness. T1 books confirm a structural
// break on their own; T2/T3 need a second venue.
type VenueTier string

const (
	TierOne   VenueTier = "T1"
	TierTwo   VenueTier = "T2"
	TierThree VenueTier = "T3"
)

// defaultTiers maps provider bookmaker keys to tiers. Keys not listed are T3.
var defaultTiers = map[string]VenueTier{
	"pinnacle":       TierOne,
	"circasports":    TierOne,
	"bookmaker":      TierOne,
	"lowvig":         TierOne,
	"betonlineag":    TierTwo,
	"draftkings":     TierTwo,
	"fanduel":        TierTwo,
	"betmgm":         TierTwo,
	"williamhill_us": TierTwo,
	"caesars":        TierTwo,
	"espnbet":        TierTwo,
	"pointsbetus":    TierTwo,
	"betrivers":      TierTwo,
}

// TierTable resolves bookmaker keys to venue tiers, with optional overrides
// layered over the built-in defaults.
type TierTable struct {
	overrides map[string]VenueTier
}

// NewTierTable builds a table from config overrides; keys are lowercased.
func NewTierTable(overrides map[string]string) *TierTable {
	t := &TierTable{}
	if len(overrides) > 0 {
		t.overrides = make(map[string]VenueTier, len(overrides))
		for k, v := range overrides {
			switch VenueTier(strings.ToUpper(v)) {
			case TierOne, TierTwo, TierThree:
				t.overrides[strings.ToLower(k)] = VenueTier(strings.ToUpper(v))
			}
		}
	}
	return t
}

// TierFor returns the venue tier for a bookmaker key.
func (t *TierTable) TierFor(venue string) VenueTier {
	key := strings.ToLower(venue)
	if t != nil && t.overrides != nil {
		if tier, ok := t.overrides[key]; ok {
			return tier
		}
	}
	if tier, ok := defaultTiers[key]; ok {
		return tier
	}
	return TierThree
}
