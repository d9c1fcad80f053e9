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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astrosuite/driftstack/internal/ccd"
	"github.com/astrosuite/driftstack/internal/grab"
	"github.com/astrosuite/driftstack/internal/reproject"
	"github.com/astrosuite/driftstack/internal/stack"
)

const reduceYAML = `
profile:
  search_half_width: 8
  fwhm: 6
  beta: 4
ccds:
  "1":
    rnoise: 4
    gain: 1.1
    apertures:
      "1": {x: 30, y: 30, ref: true}
`

// one-sensor frame with a Moffat star at (cx,cy)
func starFrame(cx, cy, fwhm, mjd float64, pointing bool) *ccd.Frame {
	f := ccd.NewFrame()
	f.Header.Floats["MJDUTC"] = mjd
	if pointing {
		f.Header.Floats["RADEG"] = 152.5
		f.Header.Floats["DECDEG"] = -28.1
		f.Header.Floats["INSTRPA"] = 209.7
	}
	w := &ccd.Window{Name: "E1", LLX: 1, LLY: 1, XBin: 1, YBin: 1, NX: 64, NY: 64}
	w.Data = make([]float32, 64*64)
	alpha := fwhm / (2 * math.Sqrt(math.Pow(2, 0.25)-1))
	for row := 0; row < 64; row++ {
		for col := 0; col < 64; col++ {
			x, y := w.FromLocal(float64(col), float64(row))
			r2 := (x-cx)*(x-cx) + (y-cy)*(y-cy)
			w.Data[row*64+col] = float32(100 + 1000*math.Pow(1+r2/(alpha*alpha), -4))
		}
	}
	f.CCDs = append(f.CCDs, &ccd.CCD{Name: "1", NXTot: 64, NYTot: 64, Windows: []*ccd.Window{w}})
	return f
}

// writes frames plus their file list and the reduction descriptor,
// returning ready-to-run parameters
func setup(t *testing.T, frames []*ccd.Frame) (Params, string) {
	t.Helper()
	dir := t.TempDir()
	var names []string
	for i, f := range frames {
		name := filepath.Join(dir, fmt.Sprintf("frame_%04d.fits", i+1))
		if err := f.WriteFile(name, false); err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
	list := filepath.Join(dir, "frames.lis")
	if err := os.WriteFile(list, []byte(strings.Join(names, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rfile := filepath.Join(dir, "reduce.yaml")
	if err := os.WriteFile(rfile, []byte(reduceYAML), 0644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "stacked.fits")
	return Params{
		Grab:       grab.Settings{Source: grab.SourceList, FileList: list},
		ReduceFile: rfile,
		RefCCD:     "1",
		Method:     reproject.Interp{Order: 1},
		Combine:    stack.Options{Mode: stack.Median},
		Output:     out,
	}, out
}

func testContext() *Context {
	return &Context{Log: io.Discard, MemoryMB: 4096, StackMemoryMB: 2048}
}

func TestRunNoDrift(t *testing.T) {
	frames := []*ccd.Frame{
		starFrame(30.2, 29.8, 5, 58000.000, false),
		starFrame(30.2, 29.8, 5, 58000.001, false),
		starFrame(30.2, 29.8, 5, 58000.002, false),
	}
	p, out := setup(t, frames)

	if err := Run(context.Background(), testContext(), p); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ccd.ReadFrame(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	w := got.CCD("1").Windows[0]
	want := frames[0].CCD("1").Windows[0]
	for i, v := range w.Data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("undefined pixel %d in output", i)
		}
		if math.Abs(float64(v-want.Data[i])) > 0.5 {
			t.Errorf("pixel %d: got %g, expected %g", i, v, want.Data[i])
		}
	}

	// observation midpoint over the three frames
	if mjd := got.Header.Floats["MJDUTC"]; math.Abs(mjd-58000.001) > 1e-9 {
		t.Errorf("MJDUTC: got %v, expected 58000.001", mjd)
	}
	history := strings.Join(got.Header.History, "\n")
	if !strings.Contains(history, "nframes=1(3)") {
		t.Errorf("history lacks frame count: %q", history)
	}
	if !strings.Contains(history, "interp order=1") {
		t.Errorf("history lacks method: %q", history)
	}
}

func TestRunWithDrift(t *testing.T) {
	// the star drifts; the stacked star must come back at the mean position
	frames := []*ccd.Frame{
		starFrame(29.0, 30.5, 5, 58000.000, false),
		starFrame(30.0, 30.0, 5, 58000.001, false),
		starFrame(31.0, 29.5, 5, 58000.002, false),
	}
	p, out := setup(t, frames)
	p.Combine = stack.Options{Mode: stack.SigmaClippedMean, Sigma: 0}

	if err := Run(context.Background(), testContext(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := ccd.ReadFrame(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	w := got.CCD("1").Windows[0]

	// centroid of the stacked star over a generous box
	var sum, sumX, sumY float64
	for row := 20; row < 40; row++ {
		for col := 20; col < 40; col++ {
			v := float64(w.Data[row*64+col]) - 100
			if v <= 0 || math.IsNaN(v) {
				continue
			}
			x, y := w.FromLocal(float64(col), float64(row))
			sum += v
			sumX += v * x
			sumY += v * y
		}
	}
	cx, cy := sumX/sum, sumY/sum
	if math.Abs(cx-30) > 0.2 || math.Abs(cy-30) > 0.2 {
		t.Errorf("stacked star at (%g,%g), expected (30,30)", cx, cy)
	}
}

// a single contaminated pixel must be rejected by the clipped mean end
// to end. One outlier among n identical values sits sqrt(n-1) standard
// deviations from the mean, so a 3 sigma clip needs at least 11 frames.
func TestRunHotPixel(t *testing.T) {
	const hot = 10*64 + 10 // far from the star
	var frames []*ccd.Frame
	for i := 0; i < 12; i++ {
		frames = append(frames, starFrame(30.2, 29.8, 5, 58000.000+float64(i)*0.001, false))
	}
	clean := frames[0].CCD("1").Windows[0].Data[hot]
	frames[4].CCD("1").Windows[0].Data[hot] = 1000

	p, out := setup(t, frames)
	p.Combine = stack.Options{Mode: stack.SigmaClippedMean, Sigma: 3, MaxIters: 5}

	if err := Run(context.Background(), testContext(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := ccd.ReadFrame(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	w := got.CCD("1").Windows[0]
	if v := w.Data[hot]; math.Abs(float64(v-clean)) > 1e-3 {
		t.Errorf("hot pixel: got %g, expected clean mean %g", v, clean)
	}
}

func TestRunFWHMThreshold(t *testing.T) {
	frames := []*ccd.Frame{
		starFrame(30.2, 29.8, 5, 58000.000, false),
		starFrame(30.2, 29.8, 9, 58000.001, false), // blurred frame
		starFrame(30.2, 29.8, 5, 58000.002, false),
	}
	p, out := setup(t, frames)
	p.FWHMThresh = 6.5

	log := &strings.Builder{}
	c := testContext()
	c.Log = log
	if err := Run(context.Background(), c, p); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := ccd.ReadFrame(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	history := strings.Join(got.Header.History, "\n")
	if !strings.Contains(history, "nframes=1(2)") {
		t.Errorf("blurred frame not excluded from count: %q", history)
	}
	if !strings.Contains(log.String(), "above threshold") {
		t.Errorf("skip not logged: %q", log.String())
	}
}

func TestRunExactNeedsPointing(t *testing.T) {
	frames := []*ccd.Frame{
		starFrame(30.2, 29.8, 5, 58000.000, false), // no pointing keywords
		starFrame(30.2, 29.8, 5, 58000.001, false),
	}
	p, out := setup(t, frames)
	p.Method = reproject.Exact{}

	err := Run(context.Background(), testContext(), p)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("got %v, expected configuration error", err)
	}
	if _, serr := os.Stat(out); !os.IsNotExist(serr) {
		t.Errorf("output written despite configuration error")
	}
}

func TestRunExactWithPointing(t *testing.T) {
	frames := []*ccd.Frame{
		starFrame(30.2, 29.8, 5, 58000.000, true),
		starFrame(30.2, 29.8, 5, 58000.001, true),
	}
	p, _ := setup(t, frames)
	p.Method = reproject.Exact{}

	if err := Run(context.Background(), testContext(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunBadReduceFile(t *testing.T) {
	frames := []*ccd.Frame{starFrame(30, 30, 5, 58000.0, false)}
	p, _ := setup(t, frames)
	p.ReduceFile = filepath.Join(t.TempDir(), "missing.yaml")
	if err := Run(context.Background(), testContext(), p); !errors.Is(err, ErrConfig) {
		t.Errorf("missing descriptor: got %v", err)
	}
}
