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
	"bytes"
	"compress/gzip"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func sampleFrame() *Frame {
	f := NewFrame()
	f.Header.Floats["MJDUTC"] = 58923.4251
	f.Header.Floats["RADEG"] = 152.5083
	f.Header.Strings["OBJECT"] = "V348 Pup"
	f.Header.AddHistory("acquired run0042")

	win1 := &Window{Name: "E1", LLX: 11, LLY: 21, XBin: 2, YBin: 2, NX: 4, NY: 3}
	win1.Data = make([]float32, 12)
	for i := range win1.Data {
		win1.Data[i] = float32(i) * 1.5
	}
	win1.Data[5] = float32(math.NaN())

	win2 := &Window{Name: "F1", LLX: 51, LLY: 61, XBin: 2, YBin: 2, NX: 3, NY: 3}
	win2.Data = make([]float32, 9)

	f.CCDs = append(f.CCDs,
		&CCD{Name: "1", NXTot: 100, NYTot: 100, Windows: []*Window{win1, win2}},
		&CCD{Name: "2", NXTot: 100, NYTot: 100, Windows: []*Window{
			{Name: "E1", LLX: 1, LLY: 1, XBin: 1, YBin: 1, NX: 5, NY: 5, Data: make([]float32, 25)},
		}})
	return f
}

func framesEqual(t *testing.T, want, got *Frame) {
	t.Helper()
	if len(got.CCDs) != len(want.CCDs) {
		t.Fatalf("got %d sensors, expected %d", len(got.CCDs), len(want.CCDs))
	}
	for i, wc := range want.CCDs {
		gc := got.CCDs[i]
		if gc.Name != wc.Name || gc.NXTot != wc.NXTot || gc.NYTot != wc.NYTot {
			t.Errorf("CCD %d: got %s %dx%d, expected %s %dx%d",
				i, gc.Name, gc.NXTot, gc.NYTot, wc.Name, wc.NXTot, wc.NYTot)
		}
		if len(gc.Windows) != len(wc.Windows) {
			t.Fatalf("CCD %s: got %d windows, expected %d", wc.Name, len(gc.Windows), len(wc.Windows))
		}
		for j, ww := range wc.Windows {
			gw := gc.Windows[j]
			if gw.Name != ww.Name || gw.LLX != ww.LLX || gw.LLY != ww.LLY ||
				gw.XBin != ww.XBin || gw.YBin != ww.YBin || gw.NX != ww.NX || gw.NY != ww.NY {
				t.Errorf("window %s/%s: geometry mismatch: got %+v", wc.Name, ww.Name, gw)
			}
			if len(gw.Data) != len(ww.Data) {
				t.Fatalf("window %s/%s: got %d values, expected %d", wc.Name, ww.Name, len(gw.Data), len(ww.Data))
			}
			for k, v := range ww.Data {
				g := gw.Data[k]
				if math.IsNaN(float64(v)) != math.IsNaN(float64(g)) ||
					(!math.IsNaN(float64(v)) && g != v) {
					t.Errorf("window %s/%s value %d: got %g, expected %g", wc.Name, ww.Name, k, g, v)
				}
			}
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := sampleFrame()
	buf := bytes.Buffer{}
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("output size %d is not block aligned", buf.Len())
	}

	got, err := readFrame(&buf, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	framesEqual(t, f, got)

	if v := got.Header.Floats["MJDUTC"]; math.Abs(v-58923.4251) > 1e-9 {
		t.Errorf("MJDUTC: got %v", v)
	}
	if v := got.Header.Strings["OBJECT"]; v != "V348 Pup" {
		t.Errorf("OBJECT: got %q", v)
	}
	if len(got.Header.History) != 1 || got.Header.History[0] != "acquired run0042" {
		t.Errorf("history: got %v", got.Header.History)
	}
}

func TestReadFrameCCDFilter(t *testing.T) {
	f := sampleFrame()
	buf := bytes.Buffer{}
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readFrame(&buf, "2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if c := got.CCD("1"); c == nil || c.Windows[0].Data != nil {
		t.Errorf("filtered sensor still carries data")
	}
	if c := got.CCD("2"); c == nil || c.Windows[0].Data == nil {
		t.Errorf("selected sensor has no data")
	}
}

func TestWriteFileOverwrite(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "out.fits")
	f := sampleFrame()

	if err := f.WriteFile(name, false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := f.WriteFile(name, false); err == nil {
		t.Errorf("second write without overwrite succeeded")
	}
	if err := f.WriteFile(name, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}

	got, err := ReadFrame(name)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	framesEqual(t, f, got)
}

func TestReadGzip(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "out.fits.gz")
	f := sampleFrame()

	file, err := os.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(file)
	if err := f.Write(zw); err != nil {
		t.Fatalf("write: %v", err)
	}
	zw.Close()
	file.Close()

	got, err := ReadFrame(name)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	framesEqual(t, f, got)
}

func TestDeriveWCS(t *testing.T) {
	h := NewHeader()
	if _, err := DeriveWCS(&h, 1, 1, 50, 50); err == nil {
		t.Errorf("missing pointing keywords accepted")
	}

	h.Floats["RADEG"] = 152.5
	h.Floats["DECDEG"] = -28.1
	h.Floats["INSTRPA"] = 209.7 // rotator at zeropoint, no rotation
	w, err := DeriveWCS(&h, 2, 2, 50, 50)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	want := 2 * 0.081 / 3600
	if math.Abs(w.CD[0][0]-want) > 1e-12 || math.Abs(w.CD[0][1]) > 1e-12 {
		t.Errorf("CD row 0: got %v", w.CD[0])
	}
	if w.CRVal1 != 152.5 || w.CRVal2 != -28.1 {
		t.Errorf("CRVAL: got %g,%g", w.CRVal1, w.CRVal2)
	}

	out := NewHeader()
	w.AddToHeader(&out)
	if out.Strings["CTYPE1"] != "RA---TAN" {
		t.Errorf("CTYPE1: got %q", out.Strings["CTYPE1"])
	}
}
