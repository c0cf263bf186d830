package scores

import (
	"encoding/json"
	"log"
	"math"
	"strconv"
	"strings"

	"paper-tape/internal/domain"
)

func logParseWarning(err error) {
	if err != nil {
		log.Printf("score parse: %v", err)
	}
}

// snapshotScore is the stored shape of one category entry inside
// scores_json. Score is kept raw because externally written rows have
// arrived as quoted numbers and serialized list-like strings; EncodeScores
// always writes clean numerics.
type snapshotScore struct {
	Score     json.RawMessage `json:"score"`
	Available bool            `json:"available"`
}

// ParseStoredScore parses a score payload that should be a plain numeric.
// Quoted numbers ("0.42") and serialized list-like strings ("[0.42]",
// "[0.42, 0.1]" first element) are recovered: the recovered value is
// returned together with a *domain.MalformedScoreError so the caller can
// log the coercion. Unrecoverable payloads return the fallback, recovered
// false and the error.
func ParseStoredScore(field string, raw json.RawMessage, fallback float64) (float64, bool, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return fallback, false, &domain.MalformedScoreError{Field: field, Raw: text, Fallback: fallback}
	}

	if v, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fallback, false, &domain.MalformedScoreError{Field: field, Raw: text, Fallback: fallback}
		}
		return v, true, nil
	}

	if v, ok := recoverScore(text); ok {
		return v, true, &domain.MalformedScoreError{Field: field, Raw: text, Fallback: v}
	}
	return fallback, false, &domain.MalformedScoreError{Field: field, Raw: text, Fallback: fallback}
}

// recoverScore unwraps quoted and list-like forms. It recurses at most one
// level so `"[0.42]"` (a quoted list) still recovers.
func recoverScore(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) >= 2 {
		inner := strings.TrimSpace(text[1 : len(text)-1])
		if v, err := strconv.ParseFloat(inner, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
		return recoverScore(inner)
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") && len(text) >= 2 {
		inner := strings.TrimSpace(text[1 : len(text)-1])
		if comma := strings.IndexByte(inner, ','); comma >= 0 {
			inner = strings.TrimSpace(inner[:comma])
		}
		inner = strings.Trim(inner, `"`)
		if v, err := strconv.ParseFloat(inner, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

// EncodeScores serializes a score map for the component_snapshots row.
func EncodeScores(scores map[domain.Category]domain.ComponentScore) string {
	payload := make(map[string]snapshotScore, len(scores))
	for cat, cs := range scores {
		raw, _ := json.Marshal(cs.Score)
		payload[string(cat)] = snapshotScore{Score: raw, Available: cs.Available}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// DecodeSnapshot rebuilds a ComponentScoreSet from a stored row. Malformed
// score entries are substituted with their fallback and reported in the
// returned warning list; an unrecoverable entry is also marked unavailable
// so weighting treats it as a gap, not a neutral zero. Unknown categories
// in the payload are dropped.
func DecodeSnapshot(row Snapshot) (domain.ComponentScoreSet, []error) {
	set := domain.ComponentScoreSet{
		Symbol: row.Symbol,
		AsOf:   row.BucketTime.UTC(),
		Scores: make(map[domain.Category]domain.ComponentScore, len(domain.Categories)),
		Volume: domain.VolumeSignal{
			Format: domain.VolumeFormat(row.VolumeFormat),
			Value:  row.VolumeValue,
		},
	}
	if set.Volume.Format != domain.VolumeFormatPercent && set.Volume.Format != domain.VolumeFormatNormalized {
		set.Volume = domain.DetectVolumeSignal(row.VolumeValue)
	}

	var warnings []error

	var payload map[string]snapshotScore
	if err := json.Unmarshal([]byte(row.ScoresJSON), &payload); err != nil {
		warnings = append(warnings, &domain.MalformedScoreError{Field: "scores_json", Raw: row.ScoresJSON, Fallback: 0})
		payload = nil
	}
	for _, cat := range domain.Categories {
		entry, ok := payload[string(cat)]
		if !ok {
			continue
		}
		value, recovered, err := ParseStoredScore(row.Symbol+"."+string(cat), entry.Score, 0)
		if err != nil {
			warnings = append(warnings, err)
		}
		set.Scores[cat] = domain.ComponentScore{
			Score:     value,
			Available: entry.Available && recovered,
		}
	}

	if row.QualityJSON != "" && row.QualityJSON != "{}" {
		if err := json.Unmarshal([]byte(row.QualityJSON), &set.Quality); err != nil {
			warnings = append(warnings, &domain.MalformedScoreError{Field: "quality_json", Raw: row.QualityJSON, Fallback: 0})
		}
	}
	return set, warnings
}

// SnapshotFromSet converts an assembled score set into its storage row.
func SnapshotFromSet(set domain.ComponentScoreSet) Snapshot {
	quality, err := json.Marshal(set.Quality)
	if err != nil {
		quality = []byte("{}")
	}
	return Snapshot{
		Symbol:       set.Symbol,
		BucketTime:   set.AsOf.UTC(),
		ScoresJSON:   EncodeScores(set.Scores),
		VolumeFormat: string(set.Volume.Format),
		VolumeValue:  set.Volume.Value,
		QualityJSON:  string(quality),
	}
}

