package models

// SizingMethod selects the risk gate's position sizing rule.
type SizingMethod string

const (
	SizingFixedFractional SizingMethod = "fixed_fractional"
	SizingKelly           SizingMethod = "kelly"
)

// RiskLimits is an immutable, versioned risk configuration snapshot.
type RiskLimits struct {
	Version               int64
	MaxPositionFraction   float64            // single position notional / capital
	MaxPortfolioExposure  float64            // aggregate notional / capital
	MaxSectorExposure     float64            // default per-sector cap / capital
	SectorLimits          map[string]float64 // per-sector overrides
	Sectors               map[string]string  // instrument -> sector
	MaxDrawdown           float64            // breaker threshold, fraction of peak
	PerTradeRiskFraction  float64
	Sizing                SizingMethod
	KellyWinRate          float64
	KellyWinLossRatio     float64
	KellyCeiling          float64 // multiplier on full Kelly, 0.5 = half-Kelly
	KellyMinTrades        int     // realized trades before observed stats replace the priors
	DefaultStop           StopSpec
	MinStopFraction       float64 // floor on stop distance as a fraction of price
	RiskRewardRatio       float64 // take-profit distance / stop distance, 0 disables
	QuantityStep          float64
	ExposurePriceBuffer   float64 // fraction added to the reference price for exposure budgeting
	PauseEntriesOnStale   bool
	AllowShort            bool
}

// SectorOf returns the sector for an instrument, or "" when unmapped.
func (l RiskLimits) SectorOf(instrument string) string {
	if l.Sectors == nil {
		return ""
	}
	return l.Sectors[instrument]
}

// SectorLimit returns the exposure cap for a sector.
func (l RiskLimits) SectorLimit(sector string) float64 {
	if v, ok := l.SectorLimits[sector]; ok {
		return v
	}
	return l.MaxSectorExposure
}

// RejectReason is the code carried by a risk rejection.
type RejectReason string

const (
	RejectDrawdownBreaker  RejectReason = "DrawdownBreaker"
	RejectExposureLimit    RejectReason = "ExposureLimit"
	RejectSizingInvalid    RejectReason = "SizingInvalid"
	RejectMissingStopLoss  RejectReason = "MissingStopLoss"
	RejectStaleData        RejectReason = "StaleData"
	RejectInstrumentHalted RejectReason = "InstrumentHalted"
	RejectShortDisabled    RejectReason = "ShortDisabled"
)
