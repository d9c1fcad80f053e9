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

// Package stack combines resampled full-grid layers per sensor and crops
// the combined composite back into the original window layout. Undefined
// cells are excluded per output pixel independently.
package stack

import (
	"fmt"
	"math"

	"github.com/astrosuite/driftstack/internal/ccd"
	"github.com/astrosuite/driftstack/internal/qsort"
)

// Mode selects the frame-axis reduction
type Mode int

const (
	Median Mode = iota
	Mean
	SigmaClippedMean
)

// Options configures the combination
type Options struct {
	Mode     Mode
	Sigma    float32 // clipping threshold in standard deviations, <=0 disables
	MaxIters int     // clipping iteration cap
}

func (o Options) String() string {
	switch o.Mode {
	case Median:
		return "median"
	case SigmaClippedMean:
		if o.Sigma > 0 {
			return fmt.Sprintf("clipped mean sigma=%.1f maxiters=%d", o.Sigma, o.MaxIters)
		}
		return "mean"
	default:
		return "mean"
	}
}

// Combine reduces the layers along the frame axis into one grid of npix
// cells. Cells undefined in all layers stay undefined.
func Combine(layers [][]float32, npix int, opts Options) ([]float32, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("no layers to combine")
	}
	for i, l := range layers {
		if len(l) != npix {
			return nil, fmt.Errorf("layer %d holds %d cells, expected %d", i, len(l), npix)
		}
	}
	switch opts.Mode {
	case Median:
		return combineMedian(layers, npix), nil
	case Mean:
		return combineClipped(layers, npix, 0, 0), nil
	case SigmaClippedMean:
		return combineClipped(layers, npix, opts.Sigma, opts.MaxIters), nil
	}
	return nil, fmt.Errorf("unknown combination mode %d", opts.Mode)
}

// combineMedian gathers defined values per cell and takes their median
func combineMedian(layers [][]float32, npix int) []float32 {
	out := make([]float32, npix)
	gather := make([]float32, len(layers))
	for i := 0; i < npix; i++ {
		vals := gather[:0]
		for _, l := range layers {
			if v := l[i]; !math.IsNaN(float64(v)) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = qsort.QSelectMedianFloat32(vals)
	}
	return out
}

// combineClipped averages defined values per cell, iteratively rejecting
// outliers beyond sigma standard deviations from the mean when sigma > 0.
// The mean is the clipping center and the population standard deviation
// the spread, recomputed from the survivors each pass.
func combineClipped(layers [][]float32, npix int, sigma float32, maxIters int) []float32 {
	out := make([]float32, npix)
	gather := make([]float32, len(layers))
	for i := 0; i < npix; i++ {
		vals := gather[:0]
		for _, l := range layers {
			if v := l[i]; !math.IsNaN(float64(v)) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			out[i] = float32(math.NaN())
			continue
		}

		if sigma > 0 {
			for iter := 0; iter < maxIters && len(vals) > 1; iter++ {
				mean, stdDev := meanStdDev(vals)
				kept := vals[:0]
				for _, v := range vals {
					if abs32(v-mean) <= sigma*stdDev {
						kept = append(kept, v)
					}
				}
				if len(kept) == len(vals) || len(kept) == 0 {
					break
				}
				vals = kept
			}
		}

		sum := float32(0)
		for _, v := range vals {
			sum += v
		}
		out[i] = sum / float32(len(vals))
	}
	return out
}

func meanStdDev(vals []float32) (mean, stdDev float32) {
	for _, v := range vals {
		mean += v
	}
	mean /= float32(len(vals))
	variance := float32(0)
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	return mean, float32(math.Sqrt(float64(variance / float32(len(vals)))))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Reassemble crops the combined full-grid composite back into the
// sensor's windows by their binned placement and size. Any undefined
// cell remaining in a crop aborts the run: it means insufficient frame
// coverage for that region.
func Reassemble(combined []float32, cols int, c *ccd.CCD) error {
	for _, win := range c.Windows {
		px, py := win.PlaceX(), win.PlaceY()
		data := make([]float32, win.NX*win.NY)
		undefined := 0
		for row := 0; row < win.NY; row++ {
			src := combined[(py+row)*cols+px : (py+row)*cols+px+win.NX]
			copy(data[row*win.NX:], src)
			for _, v := range src {
				if math.IsNaN(float64(v)) {
					undefined++
				}
			}
		}
		if undefined > 0 {
			return fmt.Errorf("sensor %s window %s: %d undefined pixels after combination; too few frames cover this region",
				c.Name, win.Name, undefined)
		}
		win.Data = data
	}
	return nil
}
