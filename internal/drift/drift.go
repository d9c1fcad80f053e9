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

// Package drift accumulates per-frame positional offsets from aperture
// refits and normalizes the resulting trajectory onto a zero-mean,
// zero-anchor form for stacking.
package drift

import (
	"fmt"
	"io"
	"math"

	"github.com/astrosuite/driftstack/internal/aper"
	"github.com/astrosuite/driftstack/internal/ccd"
	"github.com/astrosuite/driftstack/internal/reduce"
)

// Per-frame positional offset in unbinned pixel units
type Offset struct {
	DX, DY float64
}

// One retained frame's drift record
type Entry struct {
	Offset Offset
	FWHM   float64
	MJD    float64
}

// Estimator tracks reference apertures through a frame sequence and
// accumulates their mean motion into a cumulative drift trajectory.
// Frames where the reference sensor has no data are skipped; FrameNums
// records which spool indices were retained, aligned with Entries.
type Estimator struct {
	RefCCD string
	Reduce *reduce.File
	Log    io.Writer

	positions  map[string][2]float64 // current aperture positions, unbinned
	cumulative Offset

	Entries   []Entry
	FrameNums []int
}

// NewEstimator creates an estimator for the given reference sensor
func NewEstimator(refCCD string, rf *reduce.File, log io.Writer) *Estimator {
	return &Estimator{
		RefCCD:    refCCD,
		Reduce:    rf,
		Log:       log,
		positions: make(map[string][2]float64),
	}
}

// Add processes one frame. Frames with no data in any sensor, or with no
// data in the reference sensor while others are also empty, are skipped.
// The reference sensor lacking data while another sensor has it is a
// configuration error: the operator picked an unusable reference.
func (e *Estimator) Add(frame *ccd.Frame, frameNum int) error {
	ref := frame.CCD(e.RefCCD)
	if ref == nil {
		return fmt.Errorf("frame %d: no sensor named %s", frameNum, e.RefCCD)
	}
	if !ref.IsData() {
		for _, c := range frame.CCDs {
			if c.IsData() {
				return fmt.Errorf("frame %d: reference sensor %s has no data while sensor %s does; choose another reference",
					frameNum, e.RefCCD, c.Name)
			}
		}
		fmt.Fprintf(e.Log, "frame %d: no data in any sensor, skipped\n", frameNum)
		return nil
	}

	cfg := e.Reduce.CCD(e.RefCCD)
	if cfg == nil {
		return fmt.Errorf("reduction descriptor has no settings for sensor %s", e.RefCCD)
	}

	results, fs, err := aper.RefitAll(ref, e.positions, cfg, &e.Reduce.Profile)
	if err != nil {
		return fmt.Errorf("frame %d: sensor %s: %w", frameNum, e.RefCCD, err)
	}

	var sumX, sumY float64
	nref := 0
	for _, name := range cfg.RefNames() {
		res, ok := results[name]
		if !ok {
			continue
		}
		sumX += res.DX
		sumY += res.DY
		nref++
	}
	if nref == 0 {
		return fmt.Errorf("frame %d: sensor %s: no reference aperture falls inside a window",
			frameNum, e.RefCCD)
	}

	e.cumulative.DX += sumX / float64(nref)
	e.cumulative.DY += sumY / float64(nref)
	for name, res := range results {
		e.positions[name] = [2]float64{res.X, res.Y}
	}

	mjd, _ := frame.Header.Float("MJDUTC")
	e.Entries = append(e.Entries, Entry{Offset: e.cumulative, FWHM: fs.MeanFWHM, MJD: mjd})
	e.FrameNums = append(e.FrameNums, frameNum)
	fmt.Fprintf(e.Log, "frame %d: offset (%.3f,%.3f) fwhm %.2f\n",
		frameNum, e.cumulative.DX, e.cumulative.DY, fs.MeanFWHM)
	return nil
}

// Normalize re-centers a cumulative offset trajectory: subtract the mean
// so net motion over the sequence is zero, then subtract the offset of the
// frame with the smallest total absolute offset so at least one frame
// keeps an exact (0,0) and needs no resampling loss.
func Normalize(offs []Offset) []Offset {
	if len(offs) == 0 {
		return nil
	}
	out := make([]Offset, len(offs))

	var meanX, meanY float64
	for _, o := range offs {
		meanX += o.DX
		meanY += o.DY
	}
	meanX /= float64(len(offs))
	meanY /= float64(len(offs))
	for i, o := range offs {
		out[i] = Offset{o.DX - meanX, o.DY - meanY}
	}

	anchor := 0
	best := math.Abs(out[0].DX) + math.Abs(out[0].DY)
	for i, o := range out[1:] {
		if d := math.Abs(o.DX) + math.Abs(o.DY); d < best {
			best = d
			anchor = i + 1
		}
	}
	ax, ay := out[anchor].DX, out[anchor].DY
	for i := range out {
		out[i].DX -= ax
		out[i].DY -= ay
	}
	return out
}

// Offsets returns the cumulative offsets of the retained frames
func (e *Estimator) Offsets() []Offset {
	offs := make([]Offset, len(e.Entries))
	for i, en := range e.Entries {
		offs[i] = en.Offset
	}
	return offs
}
