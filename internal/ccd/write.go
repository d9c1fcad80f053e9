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
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// WriteFile writes the frame to a FITS container file. Unless overwrite is
// set, an existing file of the same name is an error.
func (f *Frame) WriteFile(fileName string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(fileName, flags, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	return f.Write(out)
}

// Write writes the frame as a primary header unit followed by one image
// extension per window, in sensor order.
func (f *Frame) Write(w io.Writer) error {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "    FITS standard 4.0")
	writeInt(&sb, "BITPIX", 8, "[1] Header only")
	writeInt(&sb, "NAXIS", 0, "[1] Header only")
	writeBool(&sb, "EXTEND", true, "    Image extensions follow")
	writeInt(&sb, "NCCD", len(f.CCDs), "[1] Number of sensors")
	writeHeaderKeys(&sb, &f.Header)
	for _, h := range f.Header.History {
		writeHistory(&sb, h)
	}
	writeEnd(&sb)
	if err := writeBlock(w, &sb); err != nil {
		return err
	}

	for _, c := range f.CCDs {
		for _, win := range c.Windows {
			if err := writeWindowHDU(w, c, win); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeWindowHDU(w io.Writer, c *CCD, win *Window) error {
	sb := strings.Builder{}
	writeString(&sb, "XTENSION", "IMAGE", "    Image extension")
	writeInt(&sb, "BITPIX", -32, "    32-bit floating point")
	writeInt(&sb, "NAXIS", 2, "[1] Number of axis")
	writeInt(&sb, "NAXIS1", win.NX, "[1] Axis size")
	writeInt(&sb, "NAXIS2", win.NY, "[1] Axis size")
	writeInt(&sb, "PCOUNT", 0, "[1] Parameter count")
	writeInt(&sb, "GCOUNT", 1, "[1] Group count")
	writeString(&sb, "CCDNAME", c.Name, "    Sensor label")
	writeString(&sb, "WINNAME", win.Name, "    Window label")
	writeInt(&sb, "NXTOT", c.NXTot, "[1] Sensor unbinned extent in x")
	writeInt(&sb, "NYTOT", c.NYTot, "[1] Sensor unbinned extent in y")
	writeInt(&sb, "LLX", win.LLX, "[1] Lower left unbinned pixel in x")
	writeInt(&sb, "LLY", win.LLY, "[1] Lower left unbinned pixel in y")
	writeInt(&sb, "XBIN", win.XBin, "[1] Binning factor in x")
	writeInt(&sb, "YBIN", win.YBin, "[1] Binning factor in y")
	writeBool(&sb, "DATAOK", win.Data != nil, "    Window read out in this exposure")
	writeEnd(&sb)
	if err := writeBlock(w, &sb); err != nil {
		return err
	}
	if win.Data == nil {
		return nil
	}
	return writeFloat32Array(w, win.Data)
}

// Writes header keyword cards in deterministic order
func writeHeaderKeys(w io.Writer, h *Header) {
	keys := make([]string, 0, len(h.Bools))
	for k := range h.Bools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeBool(w, k, h.Bools[k], "")
	}

	keys = keys[:0]
	for k := range h.Ints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeInt(w, k, h.Ints[k], "")
	}

	keys = keys[:0]
	for k := range h.Floats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeFloat(w, k, h.Floats[k], "")
	}

	keys = keys[:0]
	for k := range h.Strings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(w, k, h.Strings[k], "")
	}
}

// Pads the header in sb to a full block and writes it out
func writeBlock(w io.Writer, sb *strings.Builder) error {
	if rem := sb.Len() % fitsBlockSize; rem > 0 {
		for i := rem; i < fitsBlockSize; i++ {
			sb.WriteRune(' ')
		}
	}
	_, err := w.Write([]byte(sb.String()))
	return err
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header integer value
func writeInt(w io.Writer, key string, value int, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float value. Forces a decimal point so the value
// reads back as a float rather than an integer.
func writeFloat(w io.Writer, key string, value float64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := fmt.Sprintf("%.10g", value)
	if !strings.ContainsAny(v, ".eE") {
		v += "."
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header string value, with escaping and continuations if necessary.
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}

	// escape ' characters
	value = strings.Join(strings.Split(value, "'"), "''")

	if len(value) <= 18 {
		fmt.Fprintf(w, "%-8s= '%s'%s / %-47s", key, value, strings.Repeat(" ", 18-len(value)), comment)
	} else {
		fmt.Fprintf(w, "%-8s= '%s&' / %-47s", key, value[0:17], comment)
		value = value[17:]
		for len(value) > 66 {
			fmt.Fprintf(w, "CONTINUE  '%s&' ", value[0:66])
			value = value[66:]
		}
		fmt.Fprintf(w, "CONTINUE  '%s'%s", value, strings.Repeat(" ", 50+(18-len(value))))
	}
}

// Writes a FITS header history record
func writeHistory(w io.Writer, value string) {
	if len(value) > 72 {
		value = value[0:72]
	}
	fmt.Fprintf(w, "HISTORY %-72s", value)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes binary body data in network byte order and pads to a full block.
// NaN values pass through unchanged; they mark pixels without coverage.
func writeFloat32Array(w io.Writer, data []float32) error {
	buf := make([]byte, bufLen)

	for block := 0; block < len(data); block += bufLen >> 2 {
		size := len(data) - block
		if size > (bufLen >> 2) {
			size = bufLen >> 2
		}
		for offset := 0; offset < size; offset++ {
			val := math.Float32bits(data[block+offset])
			buf[(offset<<2)+0] = byte(val >> 24)
			buf[(offset<<2)+1] = byte(val >> 16)
			buf[(offset<<2)+2] = byte(val >> 8)
			buf[(offset<<2)+3] = byte(val)
		}
		if _, err := w.Write(buf[:size<<2]); err != nil {
			return err
		}
	}

	if rem := (len(data) << 2) % fitsBlockSize; rem > 0 {
		pad := make([]byte, fitsBlockSize-rem)
		if _, err := w.Write(pad); err != nil {
			return err
		}
	}
	return nil
}
