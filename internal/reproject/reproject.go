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

// Package reproject places window pixel data onto a shared full-sensor
// grid at the frame's drifted position, using a selectable resampling
// kernel. Grid cells outside a window's drifted footprint stay undefined
// so edge artifacts never leak into neighboring windows during stacking.
package reproject

import (
	"fmt"
	"math"

	"github.com/astrosuite/driftstack/internal/ccd"
)

// Transform maps shared binned grid coordinates to window-local pixel
// coordinates for one window in one frame: local = grid + (DX,DY).
// Immutable; built fresh per window per frame.
type Transform struct {
	DX, DY float64
}

// NewTransform builds the grid-to-local mapping for a window under the
// given frame offset in unbinned pixels. Sampling the input shifted by
// +offset/binning moves the image content back by the measured drift.
func NewTransform(offX, offY float64, win *ccd.Window) Transform {
	return Transform{
		DX: offX/float64(win.XBin) - float64(win.PlaceX()),
		DY: offY/float64(win.YBin) - float64(win.PlaceY()),
	}
}

// Apply converts one grid position to window-local coordinates
func (t Transform) Apply(gx, gy float64) (lx, ly float64) {
	return gx + t.DX, gy + t.DY
}

// Kernel selects the adaptive resampling weight function
type Kernel int

const (
	Hann Kernel = iota
	Gaussian
)

func (k Kernel) String() string {
	if k == Gaussian {
		return "gaussian"
	}
	return "hann"
}

// Method is the closed set of reprojection kernels. Exactly one of
// Interp, Adaptive and Exact implements it.
type Method interface {
	String() string
	isMethod()
}

// Interp resamples with polynomial interpolation of the given order:
// 0 nearest, 1 bilinear, 2 quadratic, 3 cubic. Fast, does not conserve
// integrated flux. Windows narrower than the stencil degrade to the next
// lower order.
type Interp struct {
	Order int
}

// Adaptive resamples with an anti-aliased kernel. KernelWidth scales the
// kernel in output pixels; SampleRegionWidth bounds the input region
// sampled per output pixel for the Gaussian variant.
type Adaptive struct {
	Kernel            Kernel
	KernelWidth       float64
	SampleRegionWidth int
	ConserveFlux      bool
}

// Exact resamples by overlap areas of input and output pixel squares.
// Requires a derivable celestial coordinate solution.
type Exact struct{}

func (Interp) isMethod()   {}
func (Adaptive) isMethod() {}
func (Exact) isMethod()    {}

func (m Interp) String() string { return fmt.Sprintf("interp order=%d", m.Order) }

func (m Adaptive) String() string {
	return fmt.Sprintf("adaptive kernel=%s kwidth=%.2f regwidth=%d consflux=%t",
		m.Kernel, m.KernelWidth, m.SampleRegionWidth, m.ConserveFlux)
}

func (m Exact) String() string { return "exact" }

// Resampler applies one configured reprojection method. Kernel dispatch
// happens once at construction, not per window.
type Resampler struct {
	method   Method
	resample func(win *ccd.Window, tr Transform, lx, ly float64) float32
}

// NewResampler validates the method parameters and builds the resampler
func NewResampler(m Method) (*Resampler, error) {
	r := &Resampler{method: m}
	switch m := m.(type) {
	case Interp:
		switch m.Order {
		case 0:
			r.resample = nearest
		case 1:
			r.resample = bilinear
		case 2:
			r.resample = quadratic
		case 3:
			r.resample = cubic
		default:
			return nil, fmt.Errorf("interpolation order %d not in 0..3", m.Order)
		}
	case Adaptive:
		if m.KernelWidth <= 0 {
			return nil, fmt.Errorf("adaptive kernel width %g must be positive", m.KernelWidth)
		}
		if m.SampleRegionWidth < 1 {
			return nil, fmt.Errorf("adaptive sample region width %d must be at least 1", m.SampleRegionWidth)
		}
		r.resample = m.resampleFunc()
	case Exact:
		r.resample = overlapArea
	default:
		return nil, fmt.Errorf("unknown reprojection method %T", m)
	}
	return r, nil
}

// Method returns the configured reprojection method
func (r *Resampler) Method() Method { return r.method }

// Resample writes the window's data into the full-grid layer at its
// drifted position. Only cells inside the window's footprint are written;
// the caller initializes the layer to NaN so everything else stays
// undefined.
func (r *Resampler) Resample(win *ccd.Window, tr Transform, layer []float32, rows, cols int) {
	x0, x1, y0, y1 := Footprint(win, tr, rows, cols)
	for gy := y0; gy < y1; gy++ {
		for gx := x0; gx < x1; gx++ {
			lx, ly := tr.Apply(float64(gx), float64(gy))
			layer[gy*cols+gx] = r.resample(win, tr, lx, ly)
		}
	}
}

// Footprint returns the half-open grid ranges [x0,x1) x [y0,y1) whose
// sample positions fall inside the window under the given transform,
// clamped to the grid.
func Footprint(win *ccd.Window, tr Transform, rows, cols int) (x0, x1, y0, y1 int) {
	// local coordinate gx+DX must lie in [0, NX-1]
	x0 = clamp(int(math.Ceil(-tr.DX)), 0, cols)
	x1 = clamp(int(math.Floor(float64(win.NX-1)-tr.DX))+1, 0, cols)
	y0 = clamp(int(math.Ceil(-tr.DY)), 0, rows)
	y1 = clamp(int(math.Floor(float64(win.NY-1)-tr.DY))+1, 0, rows)
	return x0, x1, y0, y1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nearest(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	col := clamp(int(math.Round(lx)), 0, win.NX-1)
	row := clamp(int(math.Round(ly)), 0, win.NY-1)
	return win.At(col, row)
}

func bilinear(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	if win.NX < 2 || win.NY < 2 {
		// window narrower than the stencil
		return nearest(win, tr, lx, ly)
	}
	i := clamp(int(math.Floor(lx)), 0, win.NX-2)
	j := clamp(int(math.Floor(ly)), 0, win.NY-2)
	fx := float32(lx - float64(i))
	fy := float32(ly - float64(j))
	v00, v10 := win.At(i, j), win.At(i+1, j)
	v01, v11 := win.At(i, j+1), win.At(i+1, j+1)
	return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
}

// three point Lagrange interpolation centered on the nearest pixel
func quadratic(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	if win.NX < 3 || win.NY < 3 {
		return bilinear(win, tr, lx, ly)
	}
	i := clamp(int(math.Round(lx)), 1, win.NX-2)
	j := clamp(int(math.Round(ly)), 1, win.NY-2)
	tx := lx - float64(i)
	ty := ly - float64(j)
	wx := lagrange3(tx)
	wy := lagrange3(ty)

	sum := float32(0)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			sum += float32(wx[dx+1]*wy[dy+1]) * win.At(i+dx, j+dy)
		}
	}
	return sum
}

func lagrange3(t float64) [3]float64 {
	return [3]float64{0.5 * t * (t - 1), (1 - t) * (1 + t), 0.5 * t * (t + 1)}
}

// four point Lagrange interpolation on the enclosing pixel pair
func cubic(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	if win.NX < 4 || win.NY < 4 {
		return quadratic(win, tr, lx, ly)
	}
	i := clamp(int(math.Floor(lx)), 1, win.NX-3)
	j := clamp(int(math.Floor(ly)), 1, win.NY-3)
	tx := lx - float64(i)
	ty := ly - float64(j)
	wx := lagrange4(tx)
	wy := lagrange4(ty)

	sum := float32(0)
	for dy := -1; dy <= 2; dy++ {
		for dx := -1; dx <= 2; dx++ {
			sum += float32(wx[dx+1]*wy[dy+1]) * win.At(i+dx, j+dy)
		}
	}
	return sum
}

func lagrange4(t float64) [4]float64 {
	return [4]float64{
		-t * (t - 1) * (t - 2) / 6,
		(t + 1) * (t - 1) * (t - 2) / 2,
		-t * (t + 1) * (t - 2) / 2,
		t * (t + 1) * (t - 1) / 6,
	}
}

// resampleFunc builds the adaptive kernel gather. Weights are normalized
// over the sampled region; for a pure translation the mapping Jacobian is
// one, so the flux conservation setting changes no pixel values and is
// carried for reporting only.
func (m Adaptive) resampleFunc() func(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	half := float64(m.SampleRegionWidth) / 2
	if m.Kernel == Hann && half < m.KernelWidth {
		// Hann support is the kernel width itself
		half = m.KernelWidth
	}
	gaussian := m.Kernel == Gaussian
	kw := m.KernelWidth

	return func(win *ccd.Window, tr Transform, lx, ly float64) float32 {
		col0 := clamp(int(math.Ceil(lx-half)), 0, win.NX-1)
		col1 := clamp(int(math.Floor(lx+half)), 0, win.NX-1)
		row0 := clamp(int(math.Ceil(ly-half)), 0, win.NY-1)
		row1 := clamp(int(math.Floor(ly+half)), 0, win.NY-1)

		wsum, vsum := 0.0, 0.0
		for row := row0; row <= row1; row++ {
			for col := col0; col <= col1; col++ {
				dx := (float64(col) - lx) / kw
				dy := (float64(row) - ly) / kw
				var w float64
				if gaussian {
					w = math.Exp(-0.5 * (dx*dx + dy*dy))
				} else {
					r := math.Sqrt(dx*dx + dy*dy)
					if r >= 1 {
						continue
					}
					w = 0.5 * (1 + math.Cos(math.Pi*r))
				}
				wsum += w
				vsum += w * float64(win.At(col, row))
			}
		}
		if wsum == 0 {
			return nearest(win, tr, lx, ly)
		}
		return float32(vsum / wsum)
	}
}

// overlapArea computes the exact intersection areas of the output pixel
// square with the input pixel squares it covers. For a pure translation
// at most four input pixels overlap.
func overlapArea(win *ccd.Window, tr Transform, lx, ly float64) float32 {
	i0 := int(math.Floor(lx))
	j0 := int(math.Floor(ly))

	sum, area := 0.0, 0.0
	for j := j0; j <= j0+1; j++ {
		for i := i0; i <= i0+1; i++ {
			ox := math.Min(lx+0.5, float64(i)+0.5) - math.Max(lx-0.5, float64(i)-0.5)
			oy := math.Min(ly+0.5, float64(j)+0.5) - math.Max(ly-0.5, float64(j)-0.5)
			if ox <= 0 || oy <= 0 {
				continue
			}
			ci := clamp(i, 0, win.NX-1)
			cj := clamp(j, 0, win.NY-1)
			sum += ox * oy * float64(win.At(ci, cj))
			area += ox * oy
		}
	}
	if area == 0 {
		return float32(math.NaN())
	}
	return float32(sum / area)
}
