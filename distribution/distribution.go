// Package distribution implements histogram initialization, sampling,
// and merging for linear, exponential, and explicit bucket schemes,
// using Welford's numerically stable running mean and sum-of-squared-
// deviation recurrence.
package distribution

import (
	"math"
	"sort"

	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
)

const relativeTolerance = 1e-5

// NewLinear creates a distribution with numFiniteBuckets buckets of
// equal width starting at offset, plus an underflow and an overflow
// bucket.
func NewLinear(numFiniteBuckets int32, width, offset float64) (*sctypes.Distribution, error) {
	if numFiniteBuckets <= 0 {
		return nil, scerr.New(scerr.InvalidArgument, "num_finite_buckets must be positive")
	}
	if width <= 0 {
		return nil, scerr.New(scerr.InvalidArgument, "width must be positive")
	}
	return &sctypes.Distribution{
		Buckets: sctypes.BucketOption{Linear: &sctypes.LinearBuckets{
			NumFiniteBuckets: numFiniteBuckets, Width: width, Offset: offset,
		}},
		BucketCounts: make([]int64, numFiniteBuckets+2),
	}, nil
}

// NewExponential creates a distribution whose finite bucket boundaries
// grow geometrically by growthFactor starting at scale, plus an
// underflow and an overflow bucket.
func NewExponential(numFiniteBuckets int32, growthFactor, scale float64) (*sctypes.Distribution, error) {
	if numFiniteBuckets <= 0 {
		return nil, scerr.New(scerr.InvalidArgument, "num_finite_buckets must be positive")
	}
	if growthFactor <= 1 {
		return nil, scerr.New(scerr.InvalidArgument, "growth_factor must be greater than 1")
	}
	if scale <= 0 {
		return nil, scerr.New(scerr.InvalidArgument, "scale must be positive")
	}
	return &sctypes.Distribution{
		Buckets: sctypes.BucketOption{Exponent: &sctypes.ExponentialBuckets{
			NumFiniteBuckets: numFiniteBuckets, GrowthFactor: growthFactor, Scale: scale,
		}},
		BucketCounts: make([]int64, numFiniteBuckets+2),
	}, nil
}

// NewExplicit creates a distribution with caller-supplied, strictly
// increasing bucket boundaries.
func NewExplicit(bounds []float64) (*sctypes.Distribution, error) {
	if len(bounds) == 0 {
		return nil, scerr.New(scerr.InvalidArgument, "bounds must not be empty")
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return nil, scerr.New(scerr.InvalidArgument, "bounds must be strictly increasing")
		}
	}
	b := make([]float64, len(bounds))
	copy(b, bounds)
	return &sctypes.Distribution{
		Buckets:      sctypes.BucketOption{Explicit: &sctypes.ExplicitBuckets{Bounds: b}},
		BucketCounts: make([]int64, len(bounds)+1),
	}, nil
}

// AddSample records v: updates count/mean/SSD/min/max via Welford's
// recurrence and increments the bucket v falls into.
func AddSample(d *sctypes.Distribution, v float64) {
	updateStatistics(d, v)
	idx := bucketIndex(d, v)
	if idx >= 0 && idx < len(d.BucketCounts) {
		d.BucketCounts[idx]++
	}
}

func updateStatistics(d *sctypes.Distribution, v float64) {
	if d.Count == 0 {
		d.Minimum, d.Maximum = v, v
	} else {
		if v < d.Minimum {
			d.Minimum = v
		}
		if v > d.Maximum {
			d.Maximum = v
		}
	}
	d.Count++
	oldMean := d.Mean
	d.Mean = oldMean + (v-oldMean)/float64(d.Count)
	d.SumOfSquaredDeviation += (v - oldMean) * (v - d.Mean)
}

func bucketIndex(d *sctypes.Distribution, v float64) int {
	switch {
	case d.Buckets.Linear != nil:
		return linearBucketIndex(d.Buckets.Linear, v)
	case d.Buckets.Exponent != nil:
		return exponentialBucketIndex(d.Buckets.Exponent, v)
	case d.Buckets.Explicit != nil:
		return explicitBucketIndex(d.Buckets.Explicit, v)
	default:
		return -1
	}
}

func linearBucketIndex(b *sctypes.LinearBuckets, v float64) int {
	if math.IsNaN(v) || v < b.Offset {
		return 0
	}
	upper := b.Offset + float64(b.NumFiniteBuckets)*b.Width
	if v >= upper {
		return int(b.NumFiniteBuckets) + 1
	}
	return int((v-b.Offset)/b.Width) + 1
}

func exponentialBucketIndex(b *sctypes.ExponentialBuckets, v float64) int {
	if math.IsNaN(v) || v < b.Scale {
		return 0
	}
	idx := 1 + int(math.Log(v/b.Scale)/math.Log(b.GrowthFactor))
	if idx > int(b.NumFiniteBuckets)+1 {
		return int(b.NumFiniteBuckets) + 1
	}
	if idx < 0 {
		return 0
	}
	return idx
}

func explicitBucketIndex(b *sctypes.ExplicitBuckets, v float64) int {
	// index of the first bound strictly greater than v.
	idx := sort.Search(len(b.Bounds), func(i int) bool { return b.Bounds[i] > v })
	return idx
}

func isCloseEnough(a, b float64) bool {
	if a == b {
		return true
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return true
	}
	return math.Abs(a-b)/denom < relativeTolerance
}

func bucketsApproximatelyEqual(a, b sctypes.BucketOption) bool {
	switch {
	case a.Linear != nil && b.Linear != nil:
		return a.Linear.NumFiniteBuckets == b.Linear.NumFiniteBuckets &&
			isCloseEnough(a.Linear.Width, b.Linear.Width) &&
			isCloseEnough(a.Linear.Offset, b.Linear.Offset)
	case a.Exponent != nil && b.Exponent != nil:
		return a.Exponent.NumFiniteBuckets == b.Exponent.NumFiniteBuckets &&
			isCloseEnough(a.Exponent.GrowthFactor, b.Exponent.GrowthFactor) &&
			isCloseEnough(a.Exponent.Scale, b.Exponent.Scale)
	case a.Explicit != nil && b.Explicit != nil:
		if len(a.Explicit.Bounds) != len(b.Explicit.Bounds) {
			return false
		}
		for i := range a.Explicit.Bounds {
			if !isCloseEnough(a.Explicit.Bounds[i], b.Explicit.Bounds[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Merge combines from into to in place, per the compound Welford
// formula for merging two running aggregates. It is a no-op if from
// is empty, and a copy if to is empty. Returns InvalidArgument if the
// bucket schemes are incompatible.
func Merge(to, from *sctypes.Distribution) error {
	if from.Count == 0 {
		return nil
	}
	if to.Count == 0 {
		*to = *from
		to.BucketCounts = append([]int64(nil), from.BucketCounts...)
		return nil
	}
	if !bucketsApproximatelyEqual(to.Buckets, from.Buckets) {
		return scerr.New(scerr.InvalidArgument, "distributions have incompatible bucket schemes")
	}
	if len(to.BucketCounts) != len(from.BucketCounts) {
		return scerr.New(scerr.InvalidArgument, "distributions have mismatched bucket_counts length")
	}

	countTo, countFrom := float64(to.Count), float64(from.Count)
	newCount := countTo + countFrom
	newMean := (countTo*to.Mean + countFrom*from.Mean) / newCount

	to.SumOfSquaredDeviation = to.SumOfSquaredDeviation + from.SumOfSquaredDeviation +
		countTo*(newMean-to.Mean)*(newMean-to.Mean) +
		countFrom*(newMean-from.Mean)*(newMean-from.Mean)

	to.Mean = newMean
	to.Count = int64(newCount)
	if from.Minimum < to.Minimum {
		to.Minimum = from.Minimum
	}
	if from.Maximum > to.Maximum {
		to.Maximum = from.Maximum
	}
	for i := range to.BucketCounts {
		to.BucketCounts[i] += from.BucketCounts[i]
	}
	return nil
}
