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
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const fitsBlockSize = 2880 // bytes per FITS header or data block
const headerLineSize = 80  // bytes per FITS header card
const bufLen = 16 * 1024   // input buffer length for data reads

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// ReadFrame reads a multi-sensor frame from a FITS container file.
// Decompresses gzip if .gz or .gzip suffix is present.
func ReadFrame(fileName string) (*Frame, error) {
	return readFrameFile(fileName, "")
}

// ReadFrameCCD reads a frame loading pixel data only for the named sensor.
// Windows of other sensors come back with nil data.
func ReadFrameCCD(fileName, ccdName string) (*Frame, error) {
	return readFrameFile(fileName, ccdName)
}

func readFrameFile(fileName, onlyCCD string) (*Frame, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".gz" || lExt == ".gzip" {
		if r, err = gzip.NewReader(f); err != nil {
			return nil, err
		}
	}

	frame, err := readFrame(r, onlyCCD)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	frame.FileName = fileName
	return frame, nil
}

func readFrame(r io.Reader, onlyCCD string) (*Frame, error) {
	raw, err := readHeaderUnit(r, false)
	if err != nil {
		return nil, err
	}
	if !raw.Bools["SIMPLE"] {
		return nil, fmt.Errorf("not a valid FITS file; SIMPLE=T missing in header")
	}
	nccd, ok := raw.Ints["NCCD"]
	if !ok {
		return nil, fmt.Errorf("header does not contain key NCCD")
	}
	for _, k := range []string{"BITPIX", "NAXIS", "NCCD"} {
		delete(raw.Ints, k)
	}
	delete(raw.Bools, "SIMPLE")
	delete(raw.Bools, "EXTEND")

	frame := &Frame{Header: Header{
		Bools:   raw.Bools,
		Ints:    raw.Ints,
		Floats:  raw.Floats,
		Strings: raw.Strings,
		History: raw.History,
	}}

	for {
		raw, err = readHeaderUnit(r, true)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err = readWindowHDU(r, frame, raw, onlyCCD); err != nil {
			return nil, err
		}
	}

	if len(frame.CCDs) != nccd {
		return nil, fmt.Errorf("header names %d sensors but file contains %d", nccd, len(frame.CCDs))
	}
	return frame, frame.Validate()
}

func readWindowHDU(r io.Reader, frame *Frame, raw *rawHeader, onlyCCD string) error {
	if xt := raw.Strings["XTENSION"]; strings.TrimSpace(xt) != "IMAGE" {
		return fmt.Errorf("unsupported extension type %q", xt)
	}
	if bp := raw.Ints["BITPIX"]; bp != -32 {
		return fmt.Errorf("unsupported BITPIX value %d", bp)
	}

	var keyErr error
	ints := func(key string) int {
		v, ok := raw.Ints[key]
		if !ok && keyErr == nil {
			keyErr = fmt.Errorf("extension header does not contain key %s", key)
		}
		return v
	}
	nx, ny := ints("NAXIS1"), ints("NAXIS2")
	nxTot, nyTot := ints("NXTOT"), ints("NYTOT")
	llx, lly := ints("LLX"), ints("LLY")
	xbin, ybin := ints("XBIN"), ints("YBIN")
	if keyErr != nil {
		return keyErr
	}
	ccdName := strings.TrimSpace(raw.Strings["CCDNAME"])
	winName := strings.TrimSpace(raw.Strings["WINNAME"])
	if ccdName == "" {
		return fmt.Errorf("extension header does not contain key CCDNAME")
	}

	c := frame.CCD(ccdName)
	if c == nil {
		c = &CCD{Name: ccdName, NXTot: nxTot, NYTot: nyTot}
		frame.CCDs = append(frame.CCDs, c)
	} else if c.NXTot != nxTot || c.NYTot != nyTot {
		return fmt.Errorf("CCD %s: inconsistent sensor extent %dx%d vs %dx%d",
			ccdName, nxTot, nyTot, c.NXTot, c.NYTot)
	}

	win := &Window{Name: winName, LLX: llx, LLY: lly, XBin: xbin, YBin: ybin, NX: nx, NY: ny}
	c.Windows = append(c.Windows, win)

	if !raw.Bools["DATAOK"] {
		return nil
	}
	payload := nx * ny * 4
	padded := ((payload + fitsBlockSize - 1) / fitsBlockSize) * fitsBlockSize
	if onlyCCD != "" && ccdName != onlyCCD {
		_, err := io.CopyN(io.Discard, r, int64(padded))
		return err
	}
	if err := readFloat32Data(r, win); err != nil {
		return fmt.Errorf("CCD %s window %s: %w", ccdName, winName, err)
	}
	_, err := io.CopyN(io.Discard, r, int64(padded-payload))
	return err
}

// Batched read of float32 data in network byte order
func readFloat32Data(r io.Reader, win *Window) error {
	win.Data = make([]float32, win.NX*win.NY)
	buf := make([]byte, bufLen)

	dataIndex := 0
	leftoverBytes := 0
	for dataIndex < len(win.Data) {
		bytesToRead := (len(win.Data)-dataIndex)*4 - leftoverBytes
		if bytesToRead > bufLen-leftoverBytes {
			bytesToRead = bufLen - leftoverBytes
		}
		bytesRead, err := r.Read(buf[leftoverBytes : leftoverBytes+bytesToRead])
		if err != nil {
			return err
		}

		availableBytes := leftoverBytes + bytesRead
		for i := 0; i < (availableBytes &^ 3); i += 4 {
			bits := (uint32(buf[i]) << 24) | (uint32(buf[i+1]) << 16) |
				(uint32(buf[i+2]) << 8) | uint32(buf[i+3])
			win.Data[dataIndex+(i>>2)] = math.Float32frombits(bits)
		}
		dataIndex += availableBytes >> 2
		leftoverBytes = availableBytes & 3
		for i := 0; i < leftoverBytes; i++ {
			buf[i] = buf[availableBytes-leftoverBytes+i]
		}
	}
	return nil
}

// One parsed header unit before interpretation
type rawHeader struct {
	Bools   map[string]bool
	Ints    map[string]int
	Floats  map[string]float64
	Strings map[string]string
	History []string
	End     bool
}

// readHeaderUnit reads blocks until the END card. With eofOK set, a clean
// end of file before the first block returns io.EOF.
func readHeaderUnit(r io.Reader, eofOK bool) (*rawHeader, error) {
	h := &rawHeader{
		Bools:   make(map[string]bool),
		Ints:    make(map[string]int),
		Floats:  make(map[string]float64),
		Strings: make(map[string]string),
	}
	buf := make([]byte, fitsBlockSize)

	first := true
	for !h.End {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF && first && eofOK {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		first = false

		for lineNo := 0; lineNo < fitsBlockSize/headerLineSize && !h.End; lineNo++ {
			line := buf[lineNo*headerLineSize : (lineNo+1)*headerLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				continue
			}
			h.readLine(reParser.SubexpNames(), subValues)
		}
	}
	return h, nil
}

func (h *rawHeader) readLine(subNames []string, subValues [][]byte) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] == nil || len(subNames[i]) != 1 {
			continue
		}
		switch subNames[i][0] {
		case byte('E'): // end line
			h.End = true
		case byte('H'): // history line
			h.History = append(h.History, strings.TrimRight(string(subValues[i]), " "))
		case byte('k'): // key
			key = string(subValues[i])
		case byte('b'): // boolean
			if len(subValues[i]) > 0 {
				v := subValues[i][0]
				h.Bools[key] = v == byte('t') || v == byte('T')
			}
		case byte('i'): // int
			if val, err := strconv.ParseInt(string(subValues[i]), 10, 64); err == nil {
				h.Ints[key] = int(val)
			}
		case byte('f'): // float
			if val, err := strconv.ParseFloat(string(subValues[i]), 64); err == nil {
				h.Floats[key] = val
			}
		case byte('s'): // string
			h.Strings[key] = string(subValues[i])
		case byte('c'): // value comment, ignored
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + rest

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?(?:[0-9]+\\.?[0-9]*|\\.[0-9]+)(?:[eEdD][-+]?[0-9]+)?)"
	stri := "'(?P<s>[^']*)'"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
