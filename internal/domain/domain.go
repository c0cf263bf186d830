package domain

import (
	"errors"
	"fmt"
	"time"
)

// Action is the decision emitted for an instrument.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionStrongBuy  Action = "STRONG_BUY"
	ActionSell       Action = "SELL"
	ActionStrongSell Action = "STRONG_SELL"
	ActionHold       Action = "HOLD"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionBuy, ActionStrongBuy, ActionSell, ActionStrongSell, ActionHold:
		return true
	default:
		return false
	}
}

func (a Action) IsDirectional() bool {
	return a.IsValid() && a != ActionHold
}

func (a Action) IsBuySide() bool {
	return a == ActionBuy || a == ActionStrongBuy
}

func (a Action) IsSellSide() bool {
	return a == ActionSell || a == ActionStrongSell
}

// Direction maps the action onto {-1, 0, +1}.
func (a Action) Direction() int {
	switch {
	case a.IsBuySide():
		return 1
	case a.IsSellSide():
		return -1
	default:
		return 0
	}
}

// Category names one signal component feeding the weighted aggregate.
type Category string

const (
	CategoryNews         Category = "news"
	CategorySocial       Category = "social"
	CategoryProfessional Category = "professional"
	CategoryEvents       Category = "events"
	CategoryVolume       Category = "volume"
	CategoryMomentum     Category = "momentum"
	CategoryML           Category = "ml"
)

// Categories lists every component category in a stable order.
var Categories = []Category{
	CategoryNews,
	CategorySocial,
	CategoryProfessional,
	CategoryEvents,
	CategoryVolume,
	CategoryMomentum,
	CategoryML,
}

// VolumeFormat tags the unit a volume signal arrived in.
type VolumeFormat string

const (
	VolumeFormatPercent    VolumeFormat = "percent"
	VolumeFormatNormalized VolumeFormat = "normalized"
)

// VolumeSignal is a volume reading tagged with its unit at the ingestion
// boundary, so downstream code never has to sniff magnitudes again.
type VolumeSignal struct {
	Format VolumeFormat `json:"format"`
	Value  float64      `json:"value"`
}

// DetectVolumeSignal classifies a raw reading: sources send either a signed
// percentage (roughly -100..+100) or an already normalized [0,1] level.
// |v| > 2 can only be the percentage form.
func DetectVolumeSignal(raw float64) VolumeSignal {
	if raw > 2.0 || raw < -2.0 {
		return VolumeSignal{Format: VolumeFormatPercent, Value: raw}
	}
	return VolumeSignal{Format: VolumeFormatNormalized, Value: raw}
}

// Normalized converts the signal to the [0,1] scale regardless of the
// format it arrived in. Percentages map through (p+50)/100.
func (v VolumeSignal) Normalized() float64 {
	n := v.Value
	if v.Format == VolumeFormatPercent {
		n = (v.Value + 50.0) / 100.0
	}
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// ComponentScore is one category's raw score plus its availability flag.
type ComponentScore struct {
	Score     float64 `json:"score"`
	Available bool    `json:"available"`
}

// QualityMeta carries the data-quality signals that drive weight adjustment.
type QualityMeta struct {
	NewsCount             int     `json:"news_count"`
	SocialCount           int     `json:"social_count"`
	ProfessionalCount     int     `json:"professional_count"`
	EventCount            int     `json:"event_count"`
	ProfessionalAvailable bool    `json:"professional_available"`
	MLConfidence          float64 `json:"ml_confidence"`
	MLSampleCount         int     `json:"ml_sample_count"`
}

// ComponentScoreSet is the per-(symbol, timestamp) input contract of the
// decision pipeline. Immutable once assembled.
type ComponentScoreSet struct {
	Symbol  string                      `json:"symbol"`
	AsOf    time.Time                   `json:"as_of"`
	Scores  map[Category]ComponentScore `json:"scores"`
	Volume  VolumeSignal                `json:"volume_signal"`
	Quality QualityMeta                 `json:"quality"`
}

// Available reports whether the category carries a usable score.
func (s ComponentScoreSet) Available(cat Category) bool {
	c, ok := s.Scores[cat]
	return ok && c.Available
}

// AnyAvailable reports whether at least one category carries a usable score.
func (s ComponentScoreSet) AnyAvailable() bool {
	for _, c := range s.Scores {
		if c.Available {
			return true
		}
	}
	return false
}

// MarketRegime classifies the broad-market trend backdrop.
type MarketRegime string

const (
	RegimeBearish MarketRegime = "bearish"
	RegimeNeutral MarketRegime = "neutral"
	RegimeBullish MarketRegime = "bullish"
)

// Multiplier scales raw confidence by regime.
func (r MarketRegime) Multiplier() float64 {
	switch r {
	case RegimeBearish:
		return 0.85
	case RegimeBullish:
		return 1.10
	default:
		return 1.0
	}
}

// DecisionPolicy selects the decision path for a whole batch. It is chosen
// once from sample counts and passed explicitly through the call chain.
type DecisionPolicy string

const (
	PolicyMLBlended        DecisionPolicy = "ml_blended"
	PolicyTraditional      DecisionPolicy = "traditional"
	PolicyInsufficientData DecisionPolicy = "insufficient_data"
)

// WeightAdjustment records one normalizer rule that fired, for provenance.
type WeightAdjustment struct {
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Delta    float64  `json:"delta"`
}

// AuditEntry is one risk-overlay transition in the decision audit trail.
type AuditEntry struct {
	Stage            string  `json:"stage"`
	Rule             string  `json:"rule"`
	Detail           string  `json:"detail,omitempty"`
	ActionBefore     Action  `json:"action_before"`
	ActionAfter      Action  `json:"action_after"`
	ConfidenceBefore float64 `json:"confidence_before"`
	ConfidenceAfter  float64 `json:"confidence_after"`
}

// AuditTrail is the reproducibility record persisted with every prediction.
type AuditTrail struct {
	Policy            DecisionPolicy       `json:"policy"`
	Weights           map[Category]float64 `json:"weights"`
	WeightAdjustments []WeightAdjustment   `json:"weight_adjustments,omitempty"`
	Contributions     map[Category]float64 `json:"contributions"`
	RegimeMultiplier  float64              `json:"regime_multiplier"`
	RawConfidence     float64              `json:"raw_confidence"`
	Overlay           []AuditEntry         `json:"overlay"`
	AnomalyFlagged    bool                 `json:"anomaly_flagged,omitempty"`
}

// PredictionStatus marks whether a prediction is the live row for its window.
type PredictionStatus string

const (
	PredictionActive     PredictionStatus = "active"
	PredictionSuperseded PredictionStatus = "superseded"
)

// Prediction is created once at decision time and never mutated afterward
// except by explicit supersede tooling.
type Prediction struct {
	ID             int64            `json:"id"`
	Symbol         string           `json:"symbol"`
	PredictionTime time.Time        `json:"prediction_time"`
	WindowStart    time.Time        `json:"window_start"`
	Action         Action           `json:"action"`
	Confidence     float64          `json:"confidence"`
	Direction      int              `json:"direction"`
	Magnitude      float64          `json:"magnitude"`
	EntryPrice     *float64         `json:"entry_price,omitempty"`
	ModelVersion   string           `json:"model_version"`
	AuditJSON      string           `json:"audit_json,omitempty"`
	Status         PredictionStatus `json:"status"`
	SupersededBy   *int64           `json:"superseded_by,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Horizon is a fixed offset after the prediction time at which an outcome
// is evaluated.
type Horizon string

const (
	Horizon1H Horizon = "1h"
	Horizon4H Horizon = "4h"
	Horizon1D Horizon = "1d"
)

// DefaultHorizons is the evaluation ladder, shortest first.
var DefaultHorizons = []Horizon{Horizon1H, Horizon4H, Horizon1D}

// ParseHorizon validates an externally supplied horizon string.
func ParseHorizon(s string) (Horizon, error) {
	switch Horizon(s) {
	case Horizon1H, Horizon4H, Horizon1D:
		return Horizon(s), nil
	default:
		return "", fmt.Errorf("unknown horizon %q", s)
	}
}

// Duration is the offset from prediction time to the evaluation target.
func (h Horizon) Duration() time.Duration {
	switch h {
	case Horizon1H:
		return time.Hour
	case Horizon4H:
		return 4 * time.Hour
	case Horizon1D:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Outcome joins a prediction to realized prices at one horizon. The realized
// label is a backtest artifact only; it is never copied into the prediction.
type Outcome struct {
	ID            int64     `json:"id"`
	PredictionID  int64     `json:"prediction_id"`
	Horizon       Horizon   `json:"horizon"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	ReturnPct     float64   `json:"return_pct"`
	RealizedLabel Action    `json:"realized_label"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResolvedPrice is a price with the timestamp it is valid for and the
// retrieval method that produced it. A zero price is a real price; absence
// is signalled by PriceUnavailableError, never by 0.
type ResolvedPrice struct {
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
	Method string    `json:"method"`
}

// Bar is one OHLCV bar for a symbol and interval.
type Bar struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// SentimentItem is one raw headline/post row written by external collectors
// and scored in place by the component score provider.
type SentimentItem struct {
	ID                  int64
	Source              string
	SourceItemID        string
	Title               string
	Excerpt             string
	Author              string
	URL                 string
	PublishedAt         time.Time
	FetchedAt           time.Time
	SentimentScore      *float64
	SentimentConfidence *float64
	SentimentLabel      *string
	SentimentModel      *string
	ScoredAt            *time.Time
	Symbols             []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SourceCategory maps a sentiment item source onto its component category.
// Unknown sources fall back to news.
func SourceCategory(source string) Category {
	switch source {
	case "reddit", "stocktwits", "twitter":
		return CategorySocial
	case "sec_filings", "analyst_notes":
		return CategoryProfessional
	case "earnings_calendar", "fda_calendar", "macro_calendar":
		return CategoryEvents
	default:
		return CategoryNews
	}
}

// MLModelVersion is one model registry row. Artifacts are produced offline
// and loaded by key; the newest active version wins. SampleCount is the
// training sample count and gates whether the overlay participates in
// blended decisions.
type MLModelVersion struct {
	ID             int64      `json:"id"`
	ModelKey       string     `json:"model_key"`
	Version        int        `json:"version"`
	FeatureSpec    string     `json:"feature_spec"`
	TrainedFrom    time.Time  `json:"trained_from"`
	TrainedTo      time.Time  `json:"trained_to"`
	MetricsJSON    string     `json:"metrics_json,omitempty"`
	ArtifactFormat string     `json:"artifact_format"`
	ArtifactBlob   []byte     `json:"-"`
	SampleCount    int        `json:"sample_count"`
	IsActive       bool       `json:"is_active"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DefaultWatchlist is the symbol universe batches run over when the
// environment does not override it.
var DefaultWatchlist = []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA"}

// DefaultIndexSymbol is the broad-market index proxy used for regime detection.
const DefaultIndexSymbol = "SPY"

// BatchKind names a scheduled batch invocation.
type BatchKind string

const (
	BatchDecision BatchKind = "decision"
	BatchOutcome  BatchKind = "outcome"
)

// BatchSummary reports one batch invocation with per-category error counts
// so quality regressions surface at the category level.
type BatchSummary struct {
	RunID              string    `json:"run_id"`
	Kind               BatchKind `json:"kind"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Symbols            int       `json:"symbols"`
	Succeeded          int       `json:"succeeded"`
	Failed             int       `json:"failed"`
	InsufficientSignal int       `json:"insufficient_signal"`
	PriceUnavailable   int       `json:"price_unavailable"`
	DataLeakage        int       `json:"data_leakage"`
	MalformedScore     int       `json:"malformed_score"`
	LockContention     int       `json:"lock_contention"`
	PredictionsWritten int       `json:"predictions_written"`
	OutcomesWritten    int       `json:"outcomes_written"`
	AnomaliesFlagged   int       `json:"anomalies_flagged"`
	Errors             []string  `json:"errors,omitempty"`
}

// Skip records one failed symbol and sorts the cause into its taxonomy counter.
func (s *BatchSummary) Skip(symbol string, err error) {
	s.Failed++
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", symbol, err))

	var (
		insufficient *InsufficientSignalError
		unavailable  *PriceUnavailableError
		leakage      *DataLeakageError
		malformed    *MalformedScoreError
		contention   *LockContentionError
	)
	switch {
	case errors.As(err, &insufficient):
		s.InsufficientSignal++
	case errors.As(err, &unavailable):
		s.PriceUnavailable++
	case errors.As(err, &leakage):
		s.DataLeakage++
	case errors.As(err, &malformed):
		s.MalformedScore++
	case errors.As(err, &contention):
		s.LockContention++
	}
}
