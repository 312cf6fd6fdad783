package lib

import "math"

// AverageInt64 computes running mean, variance and extrema over a stream
// of int64 samples without retaining the samples themselves. Used by the
// safety layer's Counters to summarise escape-chain lengths.
type AverageInt64 struct {
	n      int64
	minval int64
	maxval int64
	sum    int64
	sumsq  float64
	init   bool
}

// Add a sample to the running statistics.
func (av *AverageInt64) Add(sample int64) {
	av.n++
	av.sum += sample
	f := float64(sample)
	av.sumsq += f * f
	if !av.init || sample < av.minval {
		av.minval = sample
		av.init = true
	}
	if av.maxval < sample {
		av.maxval = sample
	}
}

// Min sample seen so far.
func (av *AverageInt64) Min() int64 {
	return av.minval
}

// Max sample seen so far.
func (av *AverageInt64) Max() int64 {
	return av.maxval
}

// Samples returns the number of samples added.
func (av *AverageInt64) Samples() int64 {
	return av.n
}

// Sum of all samples added.
func (av *AverageInt64) Sum() int64 {
	return av.sum
}

// Mean of all samples added.
func (av *AverageInt64) Mean() int64 {
	if av.n == 0 {
		return 0
	}
	return int64(float64(av.sum) / float64(av.n))
}

// Variance of the sample population.
func (av *AverageInt64) Variance() float64 {
	if av.n == 0 {
		return 0
	}
	nF := float64(av.n)
	meanF := float64(av.sum) / nF
	return (av.sumsq / nF) - (meanF * meanF)
}

// SD is the standard deviation of the sample population.
func (av *AverageInt64) SD() float64 {
	if av.n == 0 {
		return 0
	}
	return math.Sqrt(av.Variance())
}

// Clone returns an independent copy of the running statistics.
func (av *AverageInt64) Clone() *AverageInt64 {
	newav := *av
	return &newav
}

// Stats returns a snapshot suitable for report_statistic() dumps.
func (av *AverageInt64) Stats() map[string]interface{} {
	return map[string]interface{}{
		"samples":     av.Samples(),
		"min":         av.Min(),
		"max":         av.Max(),
		"mean":        av.Mean(),
		"variance":    av.Variance(),
		"stddeviance": av.SD(),
	}
}
