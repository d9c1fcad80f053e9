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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pbnjay/memory"

	"github.com/astrosuite/driftstack/internal/grab"
	"github.com/astrosuite/driftstack/internal/pipeline"
	"github.com/astrosuite/driftstack/internal/rest"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var (
	source   = flag.String("source", os.Getenv("DRIFTSTACK_DEFAULT_SOURCE"), "frame source: list|l, local|d or server|s")
	run      = flag.String("run", "", "run name for local and server sources, e.g. run0042")
	flist    = flag.String("flist", "", "file listing one frame path per line, for the list source")
	url      = flag.String("url", "http://localhost:9537", "base `URL` of the frame server")
	first    = flag.Int("first", 1, "first frame `number` to process, 1-based")
	last     = flag.Int("last", 0, "last frame `number` to process, 0 for until exhausted")
	twait    = flag.Float64("twait", 1, "`seconds` between server polls for a new frame")
	tmax     = flag.Float64("tmax", 10, "maximum `seconds` to wait for one new frame")
	trim     = flag.Bool("trim", false, "trim overscan columns and rows from each window")
	ncol     = flag.Int("ncol", 0, "binned `columns` to trim from the readout side of each window")
	nrow     = flag.Int("nrow", 0, "binned `rows` to trim from the bottom of each window")
	reduce   = flag.String("reduce", "reduce.yaml", "reduction descriptor `file` with apertures per sensor")
	refCCD   = flag.String("refccd", "1", "`sensor` whose reference apertures define the drift")
	fthresh  = flag.Float64("fthresh", 0, "skip frames with mean FWHM above this many unbinned `pixels`, 0 disables")
	method   = flag.String("method", "interp", "reprojection method: interp, adaptive or exact")
	order    = flag.Int("order", 1, "interpolation `order` 0..3 for method interp")
	kernel   = flag.String("kernel", "hann", "adaptive resampling kernel: hann or gaussian")
	kwidth   = flag.Float64("kwidth", 1.3, "adaptive kernel `width` in binned pixels")
	regwidth = flag.Int("regwidth", 4, "adaptive sample region `width` in binned pixels")
	consflux = flag.Bool("consflux", false, "scale adaptive output by the Jacobian to conserve flux")
	combine  = flag.String("combine", "median", "pixel combination: median, mean or clipped")
	sigma    = flag.Float64("sigma", 3, "rejection threshold in standard deviations for clipped combination")
	maxiters = flag.Int("maxiters", 5, "maximum clipping `iterations` for clipped combination")
	out      = flag.String("out", "out.fits", "save the stacked frame to `file`")
	force    = flag.Bool("force", false, "overwrite the output file if it exists")
	tiff     = flag.Bool("tiff", false, "also write a 16-bit TIFF preview per output window")
	gamma    = flag.Float64("gamma", 1, "`gamma` applied to TIFF previews")
	logFile  = flag.String("log", "%auto", "also log to `file`, %auto derives the name from -out")
	stMemory = flag.Int64("stMemory", int64((totalMiBs*7)/10), "total `MiB` of memory for stacking")
	addr     = flag.String("addr", ":8080", "listen `address` for the serve command")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Driftstack Copyright (C) 2025 The driftstack authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stack|serve|version|help)

Commands:
  stack   Acquire frames, estimate drift and combine into one stacked frame
  serve   Run the REST API server
  version Show version information
  help    Show this help

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "stack":
		os.Exit(cmdStack())
	case "serve":
		if err := rest.Serve(*addr); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %s\n", err.Error())
			os.Exit(-1)
		}
	case "version":
		fmt.Printf("driftstack version %s\n", version)
	case "help", "?":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(-1)
	}
}

func cmdStack() int {
	logWriter := io.Writer(os.Stdout)
	if *logFile == "%auto" {
		if *out != "" {
			*logFile = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*logFile = ""
		}
	}
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open logfile '%s'\n", *logFile)
			return -1
		}
		defer f.Close()
		logWriter = io.MultiWriter(os.Stdout, f)
	}

	p, err := buildParams()
	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		return -1
	}

	// Ctrl-C cancels the run; acquired temporaries are removed on the
	// way out.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := pipeline.NewContext(logWriter, 1)
	c.StackMemoryMB = int(*stMemory)
	fmt.Fprintf(logWriter, "driftstack %s, %d MiB physical memory, %d MiB for stacking\n",
		version, c.MemoryMB, c.StackMemoryMB)

	start := time.Now()
	if err := pipeline.Run(ctx, c, p); err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		return -1
	}
	fmt.Fprintf(logWriter, "Done after %v\n", time.Since(start).Round(time.Millisecond))
	return 0
}

func buildParams() (pipeline.Params, error) {
	var p pipeline.Params

	src, err := grab.ParseSource(*source)
	if err != nil {
		return p, err
	}
	p.Grab = grab.Settings{
		Source:    src,
		Run:       *run,
		FileList:  *flist,
		ServerURL: *url,
		First:     *first,
		Last:      *last,
		TWait:     *twait,
		TMax:      *tmax,
		Trim:      *trim,
		NCol:      *ncol,
		NRow:      *nrow,
	}
	p.ReduceFile = *reduce
	p.RefCCD = *refCCD
	p.FWHMThresh = *fthresh
	p.Method, err = rest.ParseMethod(*method, *order, *kernel, *kwidth, *regwidth, *consflux)
	if err != nil {
		return p, err
	}
	p.Combine, err = rest.ParseCombine(*combine, *sigma, *maxiters)
	if err != nil {
		return p, err
	}
	p.Output = *out
	p.Overwrite = *force
	p.TIFF = *tiff
	p.TIFFGamma = float32(*gamma)
	return p, nil
}
