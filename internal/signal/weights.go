package signal

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"paper-tape/internal/domain"
)

const (
	weightSumTolerance = 1e-6

	mlBoostConfidence = 0.70
	newsRichCount     = 10
)

// BaseWeights is the default contribution of each category to the weighted
// sum. The table must sum to 1.0; Normalize rescales after every adjustment
// so the invariant survives rule changes.
func BaseWeights() map[domain.Category]float64 {
	return map[domain.Category]float64{
		domain.CategoryNews:         0.20,
		domain.CategorySocial:       0.15,
		domain.CategoryProfessional: 0.15,
		domain.CategoryEvents:       0.10,
		domain.CategoryVolume:       0.10,
		domain.CategoryMomentum:     0.10,
		domain.CategoryML:           0.20,
	}
}

// fallbacks maps each category to the two categories that absorb its weight
// when the source is unavailable. Absorption is proportional to the
// fallbacks' base weights.
var fallbacks = map[domain.Category][2]domain.Category{
	domain.CategoryNews:         {domain.CategorySocial, domain.CategoryProfessional},
	domain.CategorySocial:       {domain.CategoryNews, domain.CategoryMomentum},
	domain.CategoryProfessional: {domain.CategoryNews, domain.CategoryEvents},
	domain.CategoryEvents:       {domain.CategoryProfessional, domain.CategoryNews},
	domain.CategoryVolume:       {domain.CategoryMomentum, domain.CategoryML},
	domain.CategoryMomentum:     {domain.CategoryVolume, domain.CategoryML},
	domain.CategoryML:           {domain.CategoryNews, domain.CategoryMomentum},
}

// weightsFile is the optional operator override for the base table.
type weightsFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

// LoadWeightsFile reads a yaml override of the base weight table. Unknown
// categories are rejected; missing categories keep their defaults. The loaded
// table is rescaled to sum to 1.0 so a sloppy hand-edit cannot break the
// invariant.
func LoadWeightsFile(path string) (map[domain.Category]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}

	var parsed weightsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse weights file: %w", err)
	}

	weights := BaseWeights()
	for name, w := range parsed.Weights {
		cat := domain.Category(name)
		if _, ok := weights[cat]; !ok {
			return nil, fmt.Errorf("unknown weight category %q", name)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("invalid weight %v for category %q", w, name)
		}
		weights[cat] = w
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("weights file sums to %v", total)
	}
	for cat := range weights {
		weights[cat] /= total
	}
	return weights, nil
}

// Normalize folds the ordered adjustment rules over the base table and
// rescales so the weights of available categories sum to exactly 1.0. It is
// deterministic for identical inputs and never emits a negative weight.
//
// Rule order:
//  1. high-confidence ML boost shifts weight from news and momentum to ml
//  2. deep news coverage adds to news
//  3. each unavailable category transfers its weight to its two fallbacks
func Normalize(base map[domain.Category]float64, set domain.ComponentScoreSet) (map[domain.Category]float64, []domain.WeightAdjustment, error) {
	if !set.AnyAvailable() {
		return nil, nil, &domain.InsufficientSignalError{Symbol: set.Symbol}
	}

	weights := make(map[domain.Category]float64, len(base))
	for cat, w := range base {
		weights[cat] = w
	}
	var adjustments []domain.WeightAdjustment

	adjust := func(rule string, cat domain.Category, delta float64) {
		weights[cat] += delta
		adjustments = append(adjustments, domain.WeightAdjustment{Rule: rule, Category: cat, Delta: delta})
	}

	// Rule 1: a confident ML overlay earns extra weight at the expense of the
	// two noisiest categories.
	if set.Available(domain.CategoryML) && set.Quality.MLConfidence > mlBoostConfidence {
		adjust("ml_high_confidence", domain.CategoryML, 0.03)
		adjust("ml_high_confidence", domain.CategoryNews, -0.01)
		adjust("ml_high_confidence", domain.CategoryMomentum, -0.02)
	}

	// Rule 2: deep article coverage makes the news aggregate trustworthy.
	if set.Available(domain.CategoryNews) && set.Quality.NewsCount >= newsRichCount {
		adjust("news_rich_coverage", domain.CategoryNews, 0.02)
	}

	// Rule 3: unavailable categories hand their weight to their fallbacks,
	// split by the fallbacks' base weights. Fixed category order keeps the
	// fold deterministic.
	for _, cat := range domain.Categories {
		if set.Available(cat) {
			continue
		}
		transferred := weights[cat]
		weights[cat] = 0
		if transferred <= 0 {
			continue
		}

		pair := fallbacks[cat]
		var targets []domain.Category
		baseSum := 0.0
		for _, fb := range pair {
			if set.Available(fb) {
				targets = append(targets, fb)
				baseSum += base[fb]
			}
		}
		// No live fallback: the rescale below re-inflates the remaining
		// categories instead.
		if len(targets) == 0 || baseSum <= 0 {
			adjustments = append(adjustments, domain.WeightAdjustment{Rule: "unavailable_dropped", Category: cat, Delta: -transferred})
			continue
		}
		for _, fb := range targets {
			share := transferred * base[fb] / baseSum
			adjust("unavailable_"+string(cat), fb, share)
		}
		adjustments = append(adjustments, domain.WeightAdjustment{Rule: "unavailable_" + string(cat), Category: cat, Delta: -transferred})
	}

	clampNegatives(weights, &adjustments)

	// Rescale the available categories to sum to exactly 1.0.
	total := 0.0
	for _, cat := range domain.Categories {
		if set.Available(cat) {
			total += weights[cat]
		}
	}
	if total <= 0 {
		return nil, nil, &domain.InsufficientSignalError{Symbol: set.Symbol}
	}
	out := make(map[domain.Category]float64, len(weights))
	for _, cat := range domain.Categories {
		if !set.Available(cat) {
			continue
		}
		out[cat] = weights[cat] / total
	}
	return out, adjustments, nil
}

// clampNegatives zeroes any weight the additive rules pushed below zero and
// deducts the shortfall from the largest weight so the pre-rescale mass is
// preserved.
func clampNegatives(weights map[domain.Category]float64, adjustments *[]domain.WeightAdjustment) {
	shortfall := 0.0
	for _, cat := range domain.Categories {
		if weights[cat] < 0 {
			shortfall += -weights[cat]
			*adjustments = append(*adjustments, domain.WeightAdjustment{Rule: "clamp_negative", Category: cat, Delta: -weights[cat]})
			weights[cat] = 0
		}
	}
	if shortfall == 0 {
		return
	}

	largest := domain.Categories[0]
	for _, cat := range domain.Categories[1:] {
		if weights[cat] > weights[largest] {
			largest = cat
		}
	}
	deduct := math.Min(shortfall, weights[largest])
	weights[largest] -= deduct
	*adjustments = append(*adjustments, domain.WeightAdjustment{Rule: "clamp_negative", Category: largest, Delta: -deduct})
}

// WeightSum reports the total weight, used by callers asserting the
// normalization invariant.
func WeightSum(weights map[domain.Category]float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	return total
}

// sortedCategories returns map keys in the fixed category order for stable
// iteration in audit output.
func sortedCategories(m map[domain.Category]float64) []domain.Category {
	out := make([]domain.Category, 0, len(m))
	for cat := range m {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
