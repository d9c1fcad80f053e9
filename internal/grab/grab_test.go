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

package grab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astrosuite/driftstack/internal/ccd"
)

func testFrame(value float32) *ccd.Frame {
	f := ccd.NewFrame()
	f.Header.Floats["MJDUTC"] = 58000.0
	w := &ccd.Window{Name: "E1", LLX: 1, LLY: 1, XBin: 1, YBin: 1, NX: 8, NY: 6}
	w.Data = make([]float32, 48)
	for i := range w.Data {
		w.Data[i] = value
	}
	f.CCDs = append(f.CCDs, &ccd.CCD{Name: "1", NXTot: 16, NYTot: 16, Windows: []*ccd.Window{w}})
	return f
}

func writeRun(t *testing.T, dir string, n int) string {
	t.Helper()
	run := filepath.Join(dir, "run0042")
	for i := 1; i <= n; i++ {
		if err := testFrame(float32(i)).WriteFile(frameName(run, i), false); err != nil {
			t.Fatal(err)
		}
	}
	return run
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"list", SourceList}, {"l", SourceList},
		{"local", SourceLocal}, {"d", SourceLocal},
		{"Server", SourceServer}, {"s", SourceServer},
	}
	for _, tc := range tests {
		got, err := ParseSource(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseSource(%q): got %v, %v", tc.in, got, err)
		}
	}
	if _, err := ParseSource("tape"); err == nil {
		t.Errorf("unknown source accepted")
	}
}

func TestAcquireFileList(t *testing.T) {
	dir := t.TempDir()
	run := writeRun(t, dir, 2)
	list := filepath.Join(dir, "frames.lis")
	content := fmt.Sprintf("# frames of run0042\n\n%s\n%s\n", frameName(run, 1), frameName(run, 2))
	if err := os.WriteFile(list, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	files, cleanup, err := Acquire(context.Background(), Settings{Source: SourceList, FileList: list}, io.Discard)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, expected 2", len(files))
	}

	// listed files are never cleaned up
	cleanup.Close(io.Discard)
	if _, err := os.Stat(files[0]); err != nil {
		t.Errorf("listed file removed by cleanup: %v", err)
	}
}

func TestAcquireLocal(t *testing.T) {
	run := writeRun(t, t.TempDir(), 3)

	files, cleanup, err := Acquire(context.Background(),
		Settings{Source: SourceLocal, Run: run, First: 1, Last: 0}, io.Discard)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, expected 3", len(files))
	}

	f, err := ccd.ReadFrame(files[1])
	if err != nil {
		t.Fatalf("read staged frame: %v", err)
	}
	if v := f.CCD("1").Windows[0].Data[0]; v != 2 {
		t.Errorf("staged frame 2: got value %g, expected 2", v)
	}

	cleanup.Close(io.Discard)
	for _, name := range files {
		if _, err := os.Stat(name); !os.IsNotExist(err) {
			t.Errorf("temp %s not removed", name)
		}
	}
}

func TestAcquireLocalTrim(t *testing.T) {
	run := writeRun(t, t.TempDir(), 1)

	files, cleanup, err := Acquire(context.Background(),
		Settings{Source: SourceLocal, Run: run, First: 1, Last: 1, Trim: true, NCol: 2, NRow: 1},
		io.Discard)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer cleanup.Close(io.Discard)

	f, err := ccd.ReadFrame(files[0])
	if err != nil {
		t.Fatalf("read staged frame: %v", err)
	}
	w := f.CCD("1").Windows[0]
	if w.NX != 6 || w.NY != 5 {
		t.Errorf("trimmed window: got %dx%d, expected 6x5", w.NX, w.NY)
	}
}

func TestAcquireLocalCalibrated(t *testing.T) {
	dir := t.TempDir()
	run := writeRun(t, dir, 1)

	bias := filepath.Join(dir, "bias.fits")
	if err := testFrame(10).WriteFile(bias, false); err != nil {
		t.Fatal(err)
	}
	flat := filepath.Join(dir, "flat.fits")
	ff := testFrame(2)
	if err := ff.WriteFile(flat, false); err != nil {
		t.Fatal(err)
	}

	// raw frame is all 1s, so (1 - 10) / 2 = -4.5
	files, cleanup, err := Acquire(context.Background(),
		Settings{Source: SourceLocal, Run: run, First: 1, Last: 1, Bias: bias, Flat: flat},
		io.Discard)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer cleanup.Close(io.Discard)

	f, err := ccd.ReadFrame(files[0])
	if err != nil {
		t.Fatalf("read staged frame: %v", err)
	}
	if v := f.CCD("1").Windows[0].Data[0]; v != -4.5 {
		t.Errorf("calibrated value: got %g, expected -4.5", v)
	}
}

func TestAcquireLocalCalibrationMismatch(t *testing.T) {
	dir := t.TempDir()
	run := writeRun(t, dir, 1)

	bias := ccd.NewFrame()
	w := &ccd.Window{Name: "E1", LLX: 3, LLY: 1, XBin: 1, YBin: 1, NX: 8, NY: 6}
	w.Data = make([]float32, 48)
	bias.CCDs = append(bias.CCDs, &ccd.CCD{Name: "1", NXTot: 16, NYTot: 16, Windows: []*ccd.Window{w}})
	biasPath := filepath.Join(dir, "bias.fits")
	if err := bias.WriteFile(biasPath, false); err != nil {
		t.Fatal(err)
	}

	_, cleanup, err := Acquire(context.Background(),
		Settings{Source: SourceLocal, Run: run, First: 1, Last: 1, Bias: biasPath}, io.Discard)
	cleanup.Close(io.Discard)
	if !errors.Is(err, ErrAcquire) || !strings.Contains(err.Error(), "window format") {
		t.Errorf("mismatched bias: got %v, expected window format error", err)
	}
}

func TestAcquireLocalMissingFrame(t *testing.T) {
	run := writeRun(t, t.TempDir(), 2)
	_, cleanup, err := Acquire(context.Background(),
		Settings{Source: SourceLocal, Run: run, First: 1, Last: 5}, io.Discard)
	cleanup.Close(io.Discard)
	if !errors.Is(err, ErrAcquire) {
		t.Errorf("missing frame: got %v, expected acquisition failure", err)
	}
}

func TestAcquireServer(t *testing.T) {
	dir := t.TempDir()
	run := writeRun(t, dir, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var num int
		if _, err := fmt.Sscanf(req.URL.Path, "/run0042/%d", &num); err != nil || num > 2 {
			http.NotFound(rw, req)
			return
		}
		b, err := os.ReadFile(frameName(run, num))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Write(b)
	}))
	defer srv.Close()

	files, cleanup, err := Acquire(context.Background(), Settings{
		Source: SourceServer, Run: "run0042", ServerURL: srv.URL,
		First: 1, Last: 0, TWait: 0.05, TMax: 0.2,
	}, io.Discard)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer cleanup.Close(io.Discard)
	if len(files) != 2 {
		t.Fatalf("got %d files, expected 2", len(files))
	}
	if _, err := ccd.ReadFrame(files[0]); err != nil {
		t.Errorf("fetched frame unreadable: %v", err)
	}
}

func TestAcquireServerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		http.NotFound(rw, req)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, cleanup, err := Acquire(ctx, Settings{
		Source: SourceServer, Run: "run0042", ServerURL: srv.URL,
		First: 1, Last: 1, TWait: 0.05, TMax: 5,
	}, io.Discard)
	cleanup.Close(io.Discard)
	if !errors.Is(err, ErrAcquire) {
		t.Errorf("cancelled acquisition: got %v", err)
	}
	if !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("error does not mention cancellation: %v", err)
	}
}
