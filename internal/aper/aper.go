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

// Package aper re-centers photometric apertures on each frame by fitting
// a Moffat stellar profile around the previous position, yielding the
// per-aperture positional deltas that drive drift estimation.
package aper

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/astrosuite/driftstack/internal/ccd"
	"github.com/astrosuite/driftstack/internal/qsort"
	"github.com/astrosuite/driftstack/internal/reduce"
	"github.com/astrosuite/driftstack/internal/stats"
)

// ErrFit marks a stellar profile fit that did not converge
var ErrFit = errors.New("profile fit failed")

// Result of re-fitting one aperture
type Result struct {
	X, Y   float64 // fitted position, unbinned coordinates
	DX, DY float64 // shift from the requested position
	FWHM   float64 // fitted full width at half maximum, unbinned pixels
	Beta   float64 // Moffat exponent used
}

// Per-frame summary over the successfully fitted apertures
type FrameStats struct {
	MeanFWHM float64
	MeanBeta float64
	NFit     int
}

// AssignWindow returns the window containing the given unbinned position,
// or nil when it falls outside every window of the sensor.
func AssignWindow(c *ccd.CCD, x, y float64) *ccd.Window {
	for _, w := range c.Windows {
		if w.Distance(x, y) > 0 {
			return w
		}
	}
	return nil
}

// Refit re-centers one aperture at position (x,y) on its window. The fit
// searches a box of profile.SearchHalfWidth binned pixels around the
// position, estimates the sky there, and minimizes a noise-weighted Moffat
// profile residual with the Nelder-Mead simplex.
func Refit(win *ccd.Window, x, y float64, cfg *reduce.CCDConfig, profile *reduce.Profile) (*Result, error) {
	lx, ly := win.ToLocal(x, y)
	shw := profile.SearchHalfWidth

	col0, col1 := clampBox(int(math.Round(lx)), shw, win.NX)
	row0, row1 := clampBox(int(math.Round(ly)), shw, win.NY)
	if col1-col0 < 3 || row1-row0 < 3 {
		return nil, fmt.Errorf("%w: search box [%d:%d,%d:%d] too small", ErrFit, col0, col1, row0, row1)
	}

	box := make([]float32, 0, (col1-col0)*(row1-row0))
	for row := row0; row < row1; row++ {
		box = append(box, win.Data[row*win.NX+col0:row*win.NX+col1]...)
	}
	sky := float64(skyLevel(box))

	// sky-subtracted centroid as the fit starting point
	var sum, sumX, sumY, peak float64
	for row := row0; row < row1; row++ {
		for col := col0; col < col1; col++ {
			v := float64(win.At(col, row)) - sky
			if v <= 0 {
				continue
			}
			px, py := win.FromLocal(float64(col), float64(row))
			sum += v
			sumX += v * px
			sumY += v * py
			if v > peak {
				peak = v
			}
		}
	}
	if sum <= 0 || peak <= 0 {
		return nil, fmt.Errorf("%w: no flux above sky in search box", ErrFit)
	}
	cx, cy := sumX/sum, sumY/sum

	beta := profile.Beta
	alpha0 := profile.FWHM / (2 * math.Sqrt(math.Pow(2, 1/beta)-1))

	// noise-weighted residual over the search box, in unbinned coordinates
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			px, py, h, alpha := p[0], p[1], p[2], math.Abs(p[3])
			if alpha == 0 {
				return math.Inf(1)
			}
			wsum := 0.0
			for row := row0; row < row1; row++ {
				for col := col0; col < col1; col++ {
					v := float64(win.At(col, row))
					ux, uy := win.FromLocal(float64(col), float64(row))
					r2 := (ux-px)*(ux-px) + (uy-py)*(uy-py)
					model := sky + h*math.Pow(1+r2/(alpha*alpha), -beta)
					variance := cfg.RNoise*cfg.RNoise + math.Max(v, 0)/cfg.Gain
					wsum += (model - v) * (model - v) / variance
				}
			}
			return wsum
		},
	}
	x0 := []float64{cx, cy, peak, alpha0}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFit, err)
	}

	fx, fy, alpha := result.X[0], result.X[1], math.Abs(result.X[3])
	if math.IsNaN(fx) || math.IsNaN(fy) || math.IsNaN(result.F) {
		return nil, fmt.Errorf("%w: non-finite solution", ErrFit)
	}
	if flx, fly := win.ToLocal(fx, fy); flx < float64(col0)-0.5 || flx > float64(col1)-0.5 ||
		fly < float64(row0)-0.5 || fly > float64(row1)-0.5 {
		return nil, fmt.Errorf("%w: fitted center drifted outside search box", ErrFit)
	}

	fwhm := 2 * alpha * math.Sqrt(math.Pow(2, 1/beta)-1)
	return &Result{X: fx, Y: fy, DX: fx - x, DY: fy - y, FWHM: fwhm, Beta: beta}, nil
}

// RefitAll re-fits every aperture of the sensor at the given positions.
// Apertures outside all windows are skipped. A failed fit on a reference
// aperture is fatal; failures on other apertures only drop them from the
// frame statistics.
func RefitAll(c *ccd.CCD, positions map[string][2]float64, cfg *reduce.CCDConfig,
	profile *reduce.Profile) (map[string]*Result, FrameStats, error) {

	results := make(map[string]*Result, len(cfg.Apertures))
	fs := FrameStats{}
	for name, ap := range cfg.Apertures {
		pos, ok := positions[name]
		if !ok {
			pos = [2]float64{ap.X, ap.Y}
		}
		win := AssignWindow(c, pos[0], pos[1])
		if win == nil {
			continue
		}
		res, err := Refit(win, pos[0], pos[1], cfg, profile)
		if err != nil {
			if ap.Ref {
				return nil, fs, fmt.Errorf("aperture %s: %w", name, err)
			}
			continue
		}
		results[name] = res
		fs.MeanFWHM += res.FWHM
		fs.MeanBeta += res.Beta
		fs.NFit++
	}
	if fs.NFit > 0 {
		fs.MeanFWHM /= float64(fs.NFit)
		fs.MeanBeta /= float64(fs.NFit)
	}
	return results, fs, nil
}

// skySamples bounds the pixels consulted when locating the sky level in
// a large search box
const skySamples = 128

// skyLevel estimates the sky background of a search box. Small boxes get
// the exact sigma-clipped median; larger ones locate the clip bounds with
// sampled median and scatter estimates first, so the cost per aperture
// stays flat as the search box grows.
func skyLevel(box []float32) float32 {
	if len(box) <= skySamples {
		return stats.SigmaClippedMedian(box, 3, 3)
	}
	med := stats.FastApproxMedian(box, skySamples)
	mad := stats.FastApproxMAD(box, med, skySamples)
	kept := make([]float32, 0, len(box))
	for _, v := range box {
		if v >= med-3*mad && v <= med+3*mad {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return med
	}
	return qsort.QSelectMedianFloat32(kept)
}

func clampBox(center, halfWidth, n int) (lo, hi int) {
	lo = center - halfWidth
	if lo < 0 {
		lo = 0
	}
	hi = center + halfWidth + 1
	if hi > n {
		hi = n
	}
	return lo, hi
}
