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

package ccd

import (
	"fmt"
)

// A rectangular sub-region of a sensor, independently read out and binned.
// Coordinates follow the unbinned full-frame convention with pixel centers
// at integer positions 1..NXTot, 1..NYTot. Data is row-major with row 0 at
// the bottom of the window, and is nil when the sensor did not read out
// in this exposure.
type Window struct {
	Name string

	LLX  int // lower left unbinned pixel x coordinate, 1-based
	LLY  int // lower left unbinned pixel y coordinate, 1-based
	XBin int // binning factor in x
	YBin int // binning factor in y
	NX   int // number of binned pixels in x
	NY   int // number of binned pixels in y

	Data []float32 // NY*NX binned pixel values, nil if no data
}

// Upper right unbinned pixel x coordinate covered by the window
func (w *Window) URX() int { return w.LLX + w.XBin*w.NX - 1 }

// Upper right unbinned pixel y coordinate covered by the window
func (w *Window) URY() int { return w.LLY + w.YBin*w.NY - 1 }

// Binned column of the window's first column on the shared full-sensor grid
func (w *Window) PlaceX() int { return (w.LLX - 1) / w.XBin }

// Binned row of the window's first row on the shared full-sensor grid
func (w *Window) PlaceY() int { return (w.LLY - 1) / w.YBin }

// Distance returns the distance of the given unbinned position from the
// nearest window edge. Positive values are strictly inside the window.
func (w *Window) Distance(x, y float64) float64 {
	dx := x - (float64(w.LLX) - 0.5)
	if d := (float64(w.URX()) + 0.5) - x; d < dx {
		dx = d
	}
	dy := y - (float64(w.LLY) - 0.5)
	if d := (float64(w.URY()) + 0.5) - y; d < dy {
		dy = d
	}
	if dy < dx {
		return dy
	}
	return dx
}

// ToLocal converts unbinned full-frame coordinates to binned window-local
// pixel indices, with index 0 at the center of the window's first pixel.
func (w *Window) ToLocal(x, y float64) (lx, ly float64) {
	lx = (x - float64(w.LLX) - 0.5*float64(w.XBin-1)) / float64(w.XBin)
	ly = (y - float64(w.LLY) - 0.5*float64(w.YBin-1)) / float64(w.YBin)
	return lx, ly
}

// FromLocal converts binned window-local pixel indices back to unbinned
// full-frame coordinates.
func (w *Window) FromLocal(lx, ly float64) (x, y float64) {
	x = float64(w.LLX) + float64(w.XBin)*lx + 0.5*float64(w.XBin-1)
	y = float64(w.LLY) + float64(w.YBin)*ly + 0.5*float64(w.YBin-1)
	return x, y
}

// At returns the pixel value at the given binned window-local indices
func (w *Window) At(col, row int) float32 { return w.Data[row*w.NX+col] }

// Validate checks window geometry against the sensor's unbinned extent
func (w *Window) Validate(nxTot, nyTot int) error {
	if w.XBin < 1 || w.YBin < 1 {
		return fmt.Errorf("window %s: invalid binning %dx%d", w.Name, w.XBin, w.YBin)
	}
	if w.NX < 1 || w.NY < 1 {
		return fmt.Errorf("window %s: invalid size %dx%d", w.Name, w.NX, w.NY)
	}
	if w.LLX < 1 || w.LLY < 1 || w.URX() > nxTot || w.URY() > nyTot {
		return fmt.Errorf("window %s: extent [%d:%d,%d:%d] outside sensor %dx%d",
			w.Name, w.LLX, w.URX(), w.LLY, w.URY(), nxTot, nyTot)
	}
	if w.Data != nil && len(w.Data) != w.NX*w.NY {
		return fmt.Errorf("window %s: %d data values for %dx%d pixels",
			w.Name, len(w.Data), w.NX, w.NY)
	}
	return nil
}

// TrimCols removes n binned columns from the window edge nearest the readout.
// Windows whose center lies in the left half of the sensor are trimmed on the
// left, the others on the right.
func (w *Window) TrimCols(n, nxTot int) {
	if n <= 0 || n >= w.NX {
		return
	}
	center := float64(w.LLX+w.URX()) * 0.5
	left := center <= float64(nxTot)*0.5
	if w.Data != nil {
		trimmed := make([]float32, (w.NX-n)*w.NY)
		for row := 0; row < w.NY; row++ {
			if left {
				copy(trimmed[row*(w.NX-n):], w.Data[row*w.NX+n:(row+1)*w.NX])
			} else {
				copy(trimmed[row*(w.NX-n):], w.Data[row*w.NX:(row+1)*w.NX-n])
			}
		}
		w.Data = trimmed
	}
	if left {
		w.LLX += n * w.XBin
	}
	w.NX -= n
}

// TrimRows removes n binned rows from the bottom of the window
func (w *Window) TrimRows(n int) {
	if n <= 0 || n >= w.NY {
		return
	}
	if w.Data != nil {
		w.Data = w.Data[n*w.NX:]
	}
	w.LLY += n * w.YBin
	w.NY -= n
}

// One sensor's data within a multi-sensor frame
type CCD struct {
	Name    string
	NXTot   int // total unbinned extent in x
	NYTot   int // total unbinned extent in y
	Windows []*Window
}

// IsData reports whether the sensor read out in this exposure
func (c *CCD) IsData() bool {
	for _, w := range c.Windows {
		if w.Data == nil {
			return false
		}
	}
	return len(c.Windows) > 0
}

// Binning returns the common binning factors of the sensor's windows
func (c *CCD) Binning() (xbin, ybin int) {
	if len(c.Windows) == 0 {
		return 1, 1
	}
	return c.Windows[0].XBin, c.Windows[0].YBin
}

// GridShape returns the binned full-sensor output grid dimensions
func (c *CCD) GridShape() (rows, cols int) {
	xbin, ybin := c.Binning()
	return c.NYTot / ybin, c.NXTot / xbin
}

// Window returns the named window, or nil
func (c *CCD) Window(name string) *Window {
	for _, w := range c.Windows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// Validate checks all window geometries, and that windows share one binning
func (c *CCD) Validate() error {
	if c.NXTot < 1 || c.NYTot < 1 {
		return fmt.Errorf("CCD %s: invalid extent %dx%d", c.Name, c.NXTot, c.NYTot)
	}
	xbin, ybin := c.Binning()
	for _, w := range c.Windows {
		if err := w.Validate(c.NXTot, c.NYTot); err != nil {
			return fmt.Errorf("CCD %s: %w", c.Name, err)
		}
		if w.XBin != xbin || w.YBin != ybin {
			return fmt.Errorf("CCD %s: window %s binning %dx%d differs from %dx%d",
				c.Name, w.Name, w.XBin, w.YBin, xbin, ybin)
		}
	}
	return nil
}

// One exposure holding one sub-image per sensor, plus frame-level metadata
type Frame struct {
	FileName string
	Header   Header
	CCDs     []*CCD
}

// NewFrame creates a frame with an empty header
func NewFrame() *Frame {
	return &Frame{Header: NewHeader()}
}

// CCD returns the named sensor, or nil
func (f *Frame) CCD(name string) *CCD {
	for _, c := range f.CCDs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Validate checks all sensors of the frame
func (f *Frame) Validate() error {
	for _, c := range f.CCDs {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Frame-level metadata with typed key maps and free-text history entries
type Header struct {
	Bools   map[string]bool
	Ints    map[string]int
	Floats  map[string]float64
	Strings map[string]string
	History []string
}

// NewHeader creates a header initialized with empty maps
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool),
		Ints:    make(map[string]int),
		Floats:  make(map[string]float64),
		Strings: make(map[string]string),
	}
}

// AddHistory appends a free-text history entry
func (h *Header) AddHistory(entry string) {
	h.History = append(h.History, entry)
}

// Float returns the named float keyword
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Floats[key]
	return v, ok
}
