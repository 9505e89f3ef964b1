package telemetry

import "math"

// Stats aggregates samples for an AggregateMetricTelemetry. Value is the
// sum of all samples.
type Stats struct {
	Value  float64
	Min    float64
	Max    float64
	Count  int
	StdDev float64
}

// AddData folds values into the aggregate using the population standard
// deviation. It may be called repeatedly.
func (s *Stats) AddData(values ...float64) {
	sum := s.add(values)
	if s.Count > 0 {
		s.StdDev = math.Sqrt(sum / float64(s.Count))
	}
}

// AddSampledData is AddData with the sample standard deviation. Do not mix
// the two on one aggregate.
func (s *Stats) AddSampledData(values ...float64) {
	sum := s.add(values)
	if s.Count > 1 {
		s.StdDev = math.Sqrt(sum / float64(s.Count-1))
	}
}

// add returns the running sum of squared deviations after folding values
// in with Welford's method. The previous sum is recovered from StdDev,
// which is exact for AddData.
func (s *Stats) add(values []float64) float64 {
	varianceSum := s.StdDev * s.StdDev * float64(s.Count)
	if len(values) == 0 {
		return varianceSum
	}

	var mean float64
	if s.Count == 0 {
		s.Min, s.Max = values[0], values[0]
	} else {
		mean = s.Value / float64(s.Count)
	}
	for _, x := range values {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)

		s.Count++
		s.Value += x
		next := s.Value / float64(s.Count)
		varianceSum += (x - mean) * (x - next)
		mean = next
	}
	return varianceSum
}
