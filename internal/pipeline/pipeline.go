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

// Package pipeline wires acquisition, drift estimation, reprojection,
// stacking and reassembly into the complete shift-and-add operation.
// Sensors are processed one at a time so only one resampled stack is in
// memory at once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/pbnjay/memory"

	"github.com/astrosuite/driftstack/internal/ccd"
	"github.com/astrosuite/driftstack/internal/drift"
	"github.com/astrosuite/driftstack/internal/grab"
	"github.com/astrosuite/driftstack/internal/reduce"
	"github.com/astrosuite/driftstack/internal/reproject"
	"github.com/astrosuite/driftstack/internal/stack"
)

// ErrConfig marks an unusable run configuration
var ErrConfig = errors.New("configuration error")

// Context carries the log sink and the memory budget for stacking
type Context struct {
	Log           io.Writer
	MemoryMB      int
	StackMemoryMB int
}

// NewContext builds a context giving the stack the given share of
// physical memory
func NewContext(log io.Writer, stackShare float32) *Context {
	memMB := int(memory.TotalMemory() / 1024 / 1024)
	return &Context{
		Log:           log,
		MemoryMB:      memMB,
		StackMemoryMB: int(float32(memMB) * stackShare),
	}
}

// Params configures one stacking run
type Params struct {
	Grab       grab.Settings
	ReduceFile string
	RefCCD     string
	FWHMThresh float64 // skip frames with mean FWHM above this, <=0 disables
	Method     reproject.Method
	Combine    stack.Options
	Output     string
	Overwrite  bool
	TIFF       bool    // write a 16-bit TIFF preview per output window
	TIFFGamma  float32 // preview gamma, defaults to 1
}

// Run executes the full shift-and-add pipeline
func Run(ctx context.Context, c *Context, p Params) error {
	rf, err := reduce.Load(p.ReduceFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if rf.CCD(p.RefCCD) == nil {
		return fmt.Errorf("%w: reduction descriptor has no settings for reference sensor %s",
			ErrConfig, p.RefCCD)
	}
	resampler, err := reproject.NewResampler(p.Method)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	// calibration frames are named by the descriptor, not the caller
	p.Grab.Bias = rf.Calibration.Bias
	p.Grab.Dark = rf.Calibration.Dark
	p.Grab.Flat = rf.Calibration.Flat

	files, cleanup, err := grab.Acquire(ctx, p.Grab, c.Log)
	defer cleanup.Close(c.Log)
	if err != nil {
		return err
	}

	est := drift.NewEstimator(p.RefCCD, rf, c.Log)
	var template *ccd.Frame
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := ccd.ReadFrame(file)
		if err != nil {
			return err
		}
		if template == nil {
			template = frame
			if err := gateExact(p.Method, frame); err != nil {
				return err
			}
		}
		if err := est.Add(frame, i+1); err != nil {
			return err
		}
	}
	if len(est.Entries) == 0 {
		return fmt.Errorf("%w: no usable frames in the sequence", ErrConfig)
	}

	offs := drift.Normalize(est.Offsets())

	out := ccd.NewFrame()
	out.Header = copyHeader(&template.Header)
	nframes := make(map[string]int, len(template.CCDs))
	for _, tc := range template.CCDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, combined, err := stackSensor(ctx, c, p, resampler, est, offs, files, tc)
		if err != nil {
			return err
		}
		out.CCDs = append(out.CCDs, combined)
		nframes[tc.Name] = n
	}

	finishHeader(&out.Header, p, est, nframes)
	if err := out.WriteFile(p.Output, p.Overwrite); err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "wrote %s\n", p.Output)

	if p.TIFF {
		if err := writePreviews(c.Log, p, out); err != nil {
			return err
		}
	}
	return nil
}

// gateExact refuses the exact method up front when no celestial solution
// can be derived from the frame metadata
func gateExact(m reproject.Method, frame *ccd.Frame) error {
	if _, ok := m.(reproject.Exact); !ok {
		return nil
	}
	for _, c := range frame.CCDs {
		xbin, ybin := c.Binning()
		rows, cols := c.GridShape()
		_, err := ccd.DeriveWCS(&frame.Header, xbin, ybin, float64(cols)/2, float64(rows)/2)
		if err != nil {
			return fmt.Errorf("%w: exact reprojection unavailable: %v", ErrConfig, err)
		}
	}
	return nil
}

// stackSensor builds, combines and reassembles the resampled stack of one
// sensor, returning the number of frames used.
func stackSensor(ctx context.Context, c *Context, p Params, resampler *reproject.Resampler,
	est *drift.Estimator, offs []drift.Offset, files []string, tc *ccd.CCD) (int, *ccd.CCD, error) {

	rows, cols := tc.GridShape()
	npix := rows * cols

	need := int64(npix) * 4 * int64(len(offs))
	if c.StackMemoryMB > 0 && need > int64(c.StackMemoryMB)<<20 {
		return 0, nil, fmt.Errorf("%w: sensor %s stack needs %d MB, budget is %d MB",
			ErrConfig, tc.Name, need>>20, c.StackMemoryMB)
	}

	var layers [][]float32
	for k, frameNum := range est.FrameNums {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		if p.FWHMThresh > 0 && est.Entries[k].FWHM > p.FWHMThresh {
			fmt.Fprintf(c.Log, "sensor %s frame %d: fwhm %.2f above threshold %.2f, skipped\n",
				tc.Name, frameNum, est.Entries[k].FWHM, p.FWHMThresh)
			continue
		}
		frame, err := ccd.ReadFrameCCD(files[frameNum-1], tc.Name)
		if err != nil {
			return 0, nil, err
		}
		sensor := frame.CCD(tc.Name)
		if sensor == nil || !sensor.IsData() {
			fmt.Fprintf(c.Log, "sensor %s frame %d: no data, skipped\n", tc.Name, frameNum)
			continue
		}

		layer := make([]float32, npix)
		nan := float32(math.NaN())
		for i := range layer {
			layer[i] = nan
		}
		for _, win := range sensor.Windows {
			tr := reproject.NewTransform(offs[k].DX, offs[k].DY, win)
			resampler.Resample(win, tr, layer, rows, cols)
		}
		layers = append(layers, layer)
	}
	if len(layers) == 0 {
		return 0, nil, fmt.Errorf("%w: sensor %s: no frames survive the skip conditions",
			ErrConfig, tc.Name)
	}
	fmt.Fprintf(c.Log, "sensor %s: combining %d frames\n", tc.Name, len(layers))

	combined, err := stack.Combine(layers, npix, p.Combine)
	if err != nil {
		return 0, nil, fmt.Errorf("sensor %s: %w", tc.Name, err)
	}

	result := &ccd.CCD{Name: tc.Name, NXTot: tc.NXTot, NYTot: tc.NYTot}
	for _, w := range tc.Windows {
		result.Windows = append(result.Windows, &ccd.Window{
			Name: w.Name, LLX: w.LLX, LLY: w.LLY,
			XBin: w.XBin, YBin: w.YBin, NX: w.NX, NY: w.NY,
		})
	}
	if err := stack.Reassemble(combined, cols, result); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return len(layers), result, nil
}

func copyHeader(h *ccd.Header) ccd.Header {
	out := ccd.NewHeader()
	for k, v := range h.Bools {
		out.Bools[k] = v
	}
	for k, v := range h.Ints {
		out.Ints[k] = v
	}
	for k, v := range h.Floats {
		out.Floats[k] = v
	}
	for k, v := range h.Strings {
		out.Strings[k] = v
	}
	out.History = append(out.History, h.History...)
	return out
}

// finishHeader records the combination provenance and re-centers the
// observation time on the midpoint of the used frames
func finishHeader(h *ccd.Header, p Params, est *drift.Estimator, nframes map[string]int) {
	minMJD, maxMJD := math.Inf(1), math.Inf(-1)
	for _, e := range est.Entries {
		if e.MJD < minMJD {
			minMJD = e.MJD
		}
		if e.MJD > maxMJD {
			maxMJD = e.MJD
		}
	}
	if !math.IsInf(minMJD, 1) {
		h.Floats["MJDUTC"] = minMJD + 0.5*(maxMJD-minMJD)
	}

	names := make([]string, 0, len(nframes))
	for name := range nframes {
		names = append(names, name)
	}
	sort.Strings(names)
	counts := make([]string, len(names))
	for i, name := range names {
		counts[i] = fmt.Sprintf("%s(%d)", name, nframes[name])
	}

	h.AddHistory("combined by driftstack")
	h.AddHistory(fmt.Sprintf("reproject: %s", p.Method))
	h.AddHistory(fmt.Sprintf("combine: %s nframes=%s", p.Combine, strings.Join(counts, ",")))
}

// writePreviews exports one 16-bit TIFF per output window, scaled to the
// window's value range
func writePreviews(log io.Writer, p Params, out *ccd.Frame) error {
	gamma := p.TIFFGamma
	if gamma <= 0 {
		gamma = 1
	}
	base := strings.TrimSuffix(p.Output, ".fits")
	for _, c := range out.CCDs {
		for _, w := range c.Windows {
			min, max := float32(math.Inf(1)), float32(math.Inf(-1))
			for _, v := range w.Data {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			if max <= min {
				max = min + 1
			}
			name := fmt.Sprintf("%s_%s_%s.tiff", base, c.Name, w.Name)
			if err := w.WriteTIFF16ToFile(name, min, max, gamma); err != nil {
				return err
			}
			fmt.Fprintf(log, "wrote preview %s\n", name)
		}
	}
	return nil
}
