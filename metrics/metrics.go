// Package metrics aggregates run result entries into summary statistics.
//
// Percentiles use linear interpolation between closest ranks:
//
//	position = (n-1) * p
//	value    = sorted[lower]*(1-frac) + sorted[upper]*frac
//
// P50 and P90 are reported for any non-empty sample. P95 and P99 are reported
// as zero below MinSamplesHighPercentile samples, where they would otherwise
// just echo the maximum.
package metrics

import (
	"math"
	"sort"

	"github.com/teranos/checkrun/module"
)

// DefaultTopN is the number of slowest entries kept when callers pass topN <= 0.
const DefaultTopN = 5

// MinSamplesHighPercentile is the smallest sample size for which P95/P99 are computed.
const MinSamplesHighPercentile = 20

// UnknownErrorLabel groups failures that carry neither an error type nor a message.
const UnknownErrorLabel = "Unknown error"

// ErrorCount is one bucket of the error breakdown.
type ErrorCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary is the derived statistics for one result set.
type Summary struct {
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`

	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P90Ms float64 `json:"p90_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`

	ErrorBreakdown []ErrorCount   `json:"error_breakdown"`
	TopSlow        []module.Entry `json:"top_slow"`
}

// Calculate summarizes entries. It never mutates its input.
func Calculate(entries []module.Entry, topN int) Summary {
	if topN <= 0 {
		topN = DefaultTopN
	}

	s := Summary{
		Count:          len(entries),
		ErrorBreakdown: []ErrorCount{},
		TopSlow:        []module.Entry{},
	}
	if len(entries) == 0 {
		return s
	}

	durations := make([]float64, len(entries))
	sum := 0.0
	for i, e := range entries {
		durations[i] = e.DurationMs
		sum += e.DurationMs
		if e.Success {
			s.SuccessCount++
		} else {
			s.FailureCount++
		}
	}
	sort.Float64s(durations)

	n := len(durations)
	s.SuccessRate = float64(s.SuccessCount) / float64(n)
	s.MinMs = durations[0]
	s.MaxMs = durations[n-1]
	s.AvgMs = sum / float64(n)
	s.P50Ms = Percentile(durations, 0.50)
	s.P90Ms = Percentile(durations, 0.90)
	if n >= MinSamplesHighPercentile {
		s.P95Ms = Percentile(durations, 0.95)
		s.P99Ms = Percentile(durations, 0.99)
	}

	s.ErrorBreakdown = ErrorBreakdown(entries)
	s.TopSlow = TopSlow(entries, topN)
	return s
}

// Percentile returns the p-th percentile (0..1) of an ascending sample using
// linear interpolation. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	position := float64(n-1) * p
	lower := int(math.Floor(position))
	upper := int(math.Ceil(position))
	if lower == upper {
		return sorted[lower]
	}
	frac := position - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// ErrorBreakdown counts unsuccessful entries by error type, falling back to
// the error message and then UnknownErrorLabel. Buckets are ordered by count
// descending, then label.
func ErrorBreakdown(entries []module.Entry) []ErrorCount {
	counts := map[string]int{}
	for _, e := range entries {
		if e.Success {
			continue
		}
		label := e.ErrorType
		if label == "" {
			label = e.ErrorMessage
		}
		if label == "" {
			label = UnknownErrorLabel
		}
		counts[label]++
	}

	out := make([]ErrorCount, 0, len(counts))
	for label, c := range counts {
		out = append(out, ErrorCount{Label: label, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// TopSlow returns up to n entries by duration descending; ties keep input order.
func TopSlow(entries []module.Entry, n int) []module.Entry {
	sorted := make([]module.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DurationMs > sorted[j].DurationMs
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
