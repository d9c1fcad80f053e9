// Copyright (C) 2025 The driftstack authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stats

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"

	"github.com/astrosuite/driftstack/internal/qsort"
)

// Basic statistics on data arrays
type Basic struct {
	Min    float32 // Minimum
	Max    float32 // Maximum
	Mean   float32 // Mean (average)
	StdDev float32 // Standard deviation (norm 2, sigma)
}

// Pretty print basic stats to string
func (s *Basic) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g",
		s.Min, s.Max, s.Mean, s.StdDev)
}

// Calculate basic statistics for a data array, skipping NaN entries.
func CalcBasic(data []float32) (s *Basic) {
	s = &Basic{Min: float32(math.MaxFloat32), Max: float32(-math.MaxFloat32)}
	mean, num := float64(0), 0
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		mean += float64(v)
		num++
	}
	if num == 0 {
		nan := float32(math.NaN())
		return &Basic{Min: nan, Max: nan, Mean: nan, StdDev: nan}
	}
	mean /= float64(num)
	s.Mean = float32(mean)

	variance := float64(0)
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			continue
		}
		diff := float64(v) - mean
		variance += diff * diff
	}
	s.StdDev = float32(math.Sqrt(variance / float64(num)))
	return s
}

// Returns mean and population standard deviation of the xs.
// The xs must not contain NaN
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	xmean := float32(0)
	for _, x := range xs {
		xmean += x
	}
	xmean /= float32(len(xs))
	xvar := float32(0)
	for _, x := range xs {
		diff := x - xmean
		xvar += diff * diff
	}
	xvar /= float32(len(xs))
	xstddev := float32(math.Sqrt(float64(xvar)))
	return xmean, xstddev
}

// Returns the sigma clipped median of the data. Does not change the data.
func SigmaClippedMedian(data []float32, sigmaLow, sigmaHigh float32) float32 {
	remaining := make([]float32, len(data))
	copy(remaining, data)
	for {
		median := qsort.QSelectMedianFloat32(remaining) // reorders, doesn't matter

		// calculate std deviation w.r.t. median
		stdDev := float32(0)
		for _, r := range remaining {
			diff := r - median
			stdDev += diff * diff
		}
		stdDev /= float32(len(remaining))
		stdDev = float32(math.Sqrt(float64(stdDev)))

		// reject outliers based on sigma
		lowBound := median - sigmaLow*stdDev
		highBound := median + sigmaHigh*stdDev
		kept := 0
		for i := 0; i < len(remaining); i++ {
			r := remaining[i]
			if r >= lowBound && r <= highBound {
				remaining[kept] = r
				kept++
			}
		}
		rejected := len(remaining) - kept
		remaining = remaining[:kept]

		if rejected == 0 || len(remaining) <= 3 {
			return median
		}
	}
}

// Calculates a fast approximate median of the (presumably large) data by
// randomly subsampling the given number of values and taking the median of that.
func FastApproxMedian(data []float32, numSamples int) float32 {
	samples := make([]float32, numSamples)
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = data[rng.Uint32n(max)]
	}
	return qsort.QSelectMedianFloat32(samples)
}

// Calculates a fast approximate median of absolute differences of the
// (presumably large) data by random subsampling, normalized to the Gaussian
// standard deviation equivalent.
func FastApproxMAD(data []float32, location float32, numSamples int) float32 {
	samples := make([]float32, numSamples)
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = float32(math.Abs(float64(data[rng.Uint32n(max)] - location)))
	}
	return qsort.QSelectMedianFloat32(samples) * 1.4826
}
