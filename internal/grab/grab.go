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

// Package grab acquires the per-frame files for a run from a file list,
// the local disk, or a frame server, and owns the lifecycle of the
// temporary copies it creates. Callers must always Close the returned
// Cleanup, on success, error and interrupt alike.
package grab

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/astrosuite/driftstack/internal/ccd"
)

// ErrAcquire marks a data acquisition failure
var ErrAcquire = errors.New("data acquisition failed")

// Source selects where frames come from
type Source int

const (
	SourceList   Source = iota // pre-existing file list, never cleaned up
	SourceLocal                // per-frame files on local disk, copied to temps
	SourceServer               // frame server polled over HTTP
)

// ParseSource maps a selector string to a Source
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "list", "l":
		return SourceList, nil
	case "local", "d":
		return SourceLocal, nil
	case "server", "s":
		return SourceServer, nil
	}
	return 0, fmt.Errorf("unknown data source %q; use list, local or server", s)
}

// Settings configures one acquisition
type Settings struct {
	Source    Source
	Run       string  // run name for local and server sources
	FileList  string  // path of the file list for the list source
	ServerURL string  // base URL of the frame server
	First     int     // first frame number, 1-based
	Last      int     // last frame number, <=0 means until exhausted
	TWait     float64 // seconds between server polls
	TMax      float64 // maximum seconds to wait for one new frame
	Trim      bool    // trim readout-side columns and bottom rows
	NCol      int     // binned columns to trim per window
	NRow      int     // binned rows to trim per window
	Bias      string  // bias frame subtracted while staging, "" disables
	Dark      string  // dark frame subtracted while staging, "" disables
	Flat      string  // flat field dividing staged frames, "" disables
}

// Cleanup tracks the temporary files of one acquisition
type Cleanup struct {
	files []string
}

// Add registers a temporary file for deletion
func (c *Cleanup) Add(path string) { c.files = append(c.files, path) }

// Close removes all registered temporary files, logging failures
func (c *Cleanup) Close(log io.Writer) {
	for _, f := range c.files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(log, "cleanup: cannot remove %s: %v\n", f, err)
		}
	}
	c.files = nil
}

// Acquire produces the ordered list of locally accessible frame files.
// The returned Cleanup must be closed on every exit path.
func Acquire(ctx context.Context, s Settings, log io.Writer) ([]string, *Cleanup, error) {
	cleanup := &Cleanup{}
	cb, err := loadCalibrator(s)
	if err != nil {
		return nil, cleanup, fmt.Errorf("%w: %v", ErrAcquire, err)
	}

	var files []string
	switch s.Source {
	case SourceList:
		if cb != nil {
			fmt.Fprintf(log, "file list source: calibration settings ignored, frames are used as listed\n")
		}
		files, err = readFileList(s.FileList)
	case SourceLocal:
		files, err = acquireLocal(ctx, s, cb, cleanup, log)
	case SourceServer:
		files, err = acquireServer(ctx, s, cb, cleanup, log)
	default:
		err = fmt.Errorf("%w: unknown source %d", ErrAcquire, s.Source)
	}
	if err != nil {
		return nil, cleanup, err
	}
	if len(files) == 0 {
		return nil, cleanup, fmt.Errorf("%w: no frames acquired", ErrAcquire)
	}
	fmt.Fprintf(log, "acquired %d frames\n", len(files))
	return files, cleanup, nil
}

// readFileList reads one frame path per line, skipping blanks and comments
func readFileList(fileName string) ([]string, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	defer f.Close()

	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		files = append(files, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	return files, nil
}

// frameName builds the on-disk name of one frame of a local run
func frameName(run string, num int) string {
	return fmt.Sprintf("%s_%04d.fits", run, num)
}

// acquireLocal copies run frames into temporary files, calibrating and
// trimming if asked. With Last <= 0 it stops at the first missing frame.
func acquireLocal(ctx context.Context, s Settings, cb *calibrator, cleanup *Cleanup, log io.Writer) ([]string, error) {
	var files []string
	first := s.First
	if first < 1 {
		first = 1
	}
	for num := first; s.Last <= 0 || num <= s.Last; num++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
		}
		src := frameName(s.Run, num)
		if _, err := os.Stat(src); err != nil {
			if s.Last > 0 {
				return nil, fmt.Errorf("%w: frame %d: %v", ErrAcquire, num, err)
			}
			break
		}
		tmp, err := stageFrame(src, s, cb)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrAcquire, num, err)
		}
		cleanup.Add(tmp)
		files = append(files, tmp)
		fmt.Fprintf(log, "frame %d: staged %s\n", num, src)
	}
	return files, nil
}

// stageFrame writes a temporary copy of one frame, calibrated and trimmed
// if configured
func stageFrame(src string, s Settings, cb *calibrator) (string, error) {
	tmp, err := os.CreateTemp("", "driftstack-*.fits")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	fail := func(err error) (string, error) {
		os.Remove(name)
		return "", err
	}

	if cb == nil && !needsTrim(s) {
		in, err := os.Open(src)
		if err != nil {
			tmp.Close()
			return fail(err)
		}
		_, err = io.Copy(tmp, in)
		in.Close()
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fail(err)
		}
		return name, nil
	}
	tmp.Close()

	frame, err := ccd.ReadFrame(src)
	if err != nil {
		return fail(err)
	}
	if cb != nil {
		if err := cb.apply(frame); err != nil {
			return fail(err)
		}
	}
	if needsTrim(s) {
		trimFrame(frame, s.NCol, s.NRow)
	}
	if err := frame.WriteFile(name, true); err != nil {
		return fail(err)
	}
	return name, nil
}

func needsTrim(s Settings) bool {
	return s.Trim && (s.NCol > 0 || s.NRow > 0)
}

func trimFrame(frame *ccd.Frame, ncol, nrow int) {
	for _, c := range frame.CCDs {
		for _, w := range c.Windows {
			w.TrimCols(ncol, c.NXTot)
			w.TrimRows(nrow)
		}
	}
}

// calibrator holds the calibration frames applied while staging
type calibrator struct {
	bias, dark, flat *ccd.Frame
}

// loadCalibrator reads the configured calibration frames, nil when none
func loadCalibrator(s Settings) (*calibrator, error) {
	if s.Bias == "" && s.Dark == "" && s.Flat == "" {
		return nil, nil
	}
	cb := &calibrator{}
	var err error
	if s.Bias != "" {
		if cb.bias, err = ccd.ReadFrame(s.Bias); err != nil {
			return nil, fmt.Errorf("bias: %v", err)
		}
	}
	if s.Dark != "" {
		if cb.dark, err = ccd.ReadFrame(s.Dark); err != nil {
			return nil, fmt.Errorf("dark: %v", err)
		}
	}
	if s.Flat != "" {
		if cb.flat, err = ccd.ReadFrame(s.Flat); err != nil {
			return nil, fmt.Errorf("flat: %v", err)
		}
	}
	return cb, nil
}

// apply corrects every data window of a frame in place. Each calibration
// frame must carry a window of identical geometry for every data window.
func (cb *calibrator) apply(frame *ccd.Frame) error {
	for _, c := range frame.CCDs {
		if !c.IsData() {
			continue
		}
		for _, w := range c.Windows {
			if cb.bias != nil {
				if err := calibrateWindow(cb.bias, c.Name, w, subOp); err != nil {
					return fmt.Errorf("bias: %v", err)
				}
			}
			if cb.dark != nil {
				if err := calibrateWindow(cb.dark, c.Name, w, subOp); err != nil {
					return fmt.Errorf("dark: %v", err)
				}
			}
			if cb.flat != nil {
				if err := calibrateWindow(cb.flat, c.Name, w, divOp); err != nil {
					return fmt.Errorf("flat: %v", err)
				}
			}
		}
	}
	return nil
}

func subOp(v, cal float32) float32 { return v - cal }
func divOp(v, cal float32) float32 { return v / cal }

func calibrateWindow(cal *ccd.Frame, ccdName string, w *ccd.Window,
	op func(v, cal float32) float32) error {

	cc := cal.CCD(ccdName)
	if cc == nil {
		return fmt.Errorf("%s has no sensor %s", cal.FileName, ccdName)
	}
	cw := cc.Window(w.Name)
	if cw == nil || cw.LLX != w.LLX || cw.LLY != w.LLY || cw.XBin != w.XBin ||
		cw.YBin != w.YBin || cw.NX != w.NX || cw.NY != w.NY {
		return fmt.Errorf("%s window %s does not match the data window format",
			cal.FileName, w.Name)
	}
	for i := range w.Data {
		w.Data[i] = op(w.Data[i], cw.Data[i])
	}
	return nil
}

// acquireServer polls the frame server for each frame in turn, waiting up
// to TMax seconds in TWait steps for it to appear. With Last <= 0 a
// timeout after at least one acquired frame ends the run normally.
func acquireServer(ctx context.Context, s Settings, cb *calibrator, cleanup *Cleanup, log io.Writer) ([]string, error) {
	twait := time.Duration(s.TWait * float64(time.Second))
	if twait <= 0 {
		twait = time.Second
	}
	tmax := time.Duration(s.TMax * float64(time.Second))
	if tmax <= 0 {
		tmax = 10 * time.Second
	}
	client := &http.Client{Timeout: twait + 10*time.Second}

	var files []string
	first := s.First
	if first < 1 {
		first = 1
	}
	for num := first; s.Last <= 0 || num <= s.Last; num++ {
		tmp, err := fetchFrame(ctx, client, s, cb, num, twait, tmax)
		if err != nil {
			if errors.Is(err, errFrameTimeout) {
				if s.Last <= 0 && len(files) > 0 {
					fmt.Fprintf(log, "frame %d: not served within %.0fs, run complete\n", num, tmax.Seconds())
					break
				}
				return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
			}
			return nil, err
		}
		cleanup.Add(tmp)
		files = append(files, tmp)
		fmt.Fprintf(log, "frame %d: fetched\n", num)
	}
	return files, nil
}

var errFrameTimeout = errors.New("frame not served in time")

func fetchFrame(ctx context.Context, client *http.Client, s Settings, cb *calibrator,
	num int, twait, tmax time.Duration) (string, error) {

	url := fmt.Sprintf("%s/%s/%d", strings.TrimRight(s.ServerURL, "/"), s.Run, num)
	deadline := time.Now().Add(tmax)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAcquire, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrAcquire, ctx.Err())
			}
			return "", fmt.Errorf("%w: frame %d: %v", ErrAcquire, num, err)
		}
		if resp.StatusCode == http.StatusOK {
			return saveResponse(resp.Body, s, cb)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			return "", fmt.Errorf("%w: frame %d: server status %s", ErrAcquire, num, resp.Status)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("frame %d: %w", num, errFrameTimeout)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrAcquire, ctx.Err())
		case <-time.After(twait):
		}
	}
}

func saveResponse(body io.ReadCloser, s Settings, cb *calibrator) (string, error) {
	defer body.Close()
	tmp, err := os.CreateTemp("", "driftstack-*.fits")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	name := tmp.Name()
	fail := func(err error) (string, error) {
		os.Remove(name)
		return "", fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(err)
	}
	if cb != nil || needsTrim(s) {
		frame, err := ccd.ReadFrame(name)
		if err != nil {
			return fail(err)
		}
		if cb != nil {
			if err := cb.apply(frame); err != nil {
				return fail(err)
			}
		}
		if needsTrim(s) {
			trimFrame(frame, s.NCol, s.NRow)
		}
		if err := frame.WriteFile(name, true); err != nil {
			return fail(err)
		}
	}
	return name, nil
}
