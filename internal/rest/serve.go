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

// Package rest exposes the stacking operation over HTTP, mirroring the
// command line surface with JSON-encoded parameters.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astrosuite/driftstack/internal/grab"
	"github.com/astrosuite/driftstack/internal/pipeline"
	"github.com/astrosuite/driftstack/internal/reproject"
	"github.com/astrosuite/driftstack/internal/stack"
)

func Serve(addr string) error {
	r := NewRouter()
	return r.Run(addr)
}

// NewRouter builds the gin engine with the /api/v1 routes
func NewRouter() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/stack", postStack)
		}
	}
	return r
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

// JSON-encoded stack parameters
type postStackArgs struct {
	Source     string  `json:"source"`
	Run        string  `json:"run"`
	FileList   string  `json:"fileList"`
	ServerURL  string  `json:"serverUrl"`
	First      int     `json:"first"`
	Last       int     `json:"last"`
	TWait      float64 `json:"twait"`
	TMax       float64 `json:"tmax"`
	Trim       bool    `json:"trim"`
	NCol       int     `json:"ncol"`
	NRow       int     `json:"nrow"`
	ReduceFile string  `json:"reduceFile"`
	RefCCD     string  `json:"refCcd"`
	FWHMThresh float64 `json:"fwhmThresh"`
	Method     string  `json:"method"`
	Order      int     `json:"order"`
	Kernel     string  `json:"kernel"`
	KWidth     float64 `json:"kwidth"`
	RegWidth   int     `json:"regwidth"`
	ConsFlux   bool    `json:"consflux"`
	Combine    string  `json:"combine"`
	Sigma      float64 `json:"sigma"`
	MaxIters   int     `json:"maxiters"`
	Output     string  `json:"output"`
	Overwrite  bool    `json:"overwrite"`
	TIFF       bool    `json:"tiff"`
}

// toParams converts the JSON arguments into pipeline parameters
func (a *postStackArgs) toParams() (pipeline.Params, error) {
	p := pipeline.Params{
		ReduceFile: a.ReduceFile,
		RefCCD:     a.RefCCD,
		FWHMThresh: a.FWHMThresh,
		Output:     a.Output,
		Overwrite:  a.Overwrite,
		TIFF:       a.TIFF,
	}

	source, err := grab.ParseSource(a.Source)
	if err != nil {
		return p, err
	}
	p.Grab = grab.Settings{
		Source: source, Run: a.Run, FileList: a.FileList, ServerURL: a.ServerURL,
		First: a.First, Last: a.Last, TWait: a.TWait, TMax: a.TMax,
		Trim: a.Trim, NCol: a.NCol, NRow: a.NRow,
	}

	p.Method, err = ParseMethod(a.Method, a.Order, a.Kernel, a.KWidth, a.RegWidth, a.ConsFlux)
	if err != nil {
		return p, err
	}
	p.Combine, err = ParseCombine(a.Combine, a.Sigma, a.MaxIters)
	return p, err
}

// ParseMethod maps the textual method selector and its parameters to a
// reprojection method
func ParseMethod(method string, order int, kernel string, kwidth float64, regwidth int,
	consflux bool) (reproject.Method, error) {

	switch method {
	case "", "interp":
		return reproject.Interp{Order: order}, nil
	case "adaptive":
		var k reproject.Kernel
		switch kernel {
		case "", "hann":
			k = reproject.Hann
		case "gaussian":
			k = reproject.Gaussian
		default:
			return nil, fmt.Errorf("unknown adaptive kernel %q; use hann or gaussian", kernel)
		}
		if kwidth <= 0 {
			kwidth = 1.3
		}
		if regwidth <= 0 {
			regwidth = 4
		}
		return reproject.Adaptive{Kernel: k, KernelWidth: kwidth,
			SampleRegionWidth: regwidth, ConserveFlux: consflux}, nil
	case "exact":
		return reproject.Exact{}, nil
	}
	return nil, fmt.Errorf("unknown reprojection method %q; use interp, adaptive or exact", method)
}

// ParseCombine maps the textual combination selector to stack options
func ParseCombine(combine string, sigma float64, maxIters int) (stack.Options, error) {
	switch combine {
	case "", "median":
		return stack.Options{Mode: stack.Median}, nil
	case "mean":
		return stack.Options{Mode: stack.Mean}, nil
	case "clipped", "sigma":
		if maxIters <= 0 {
			maxIters = 5
		}
		return stack.Options{Mode: stack.SigmaClippedMean, Sigma: float32(sigma), MaxIters: maxIters}, nil
	}
	return stack.Options{}, fmt.Errorf("unknown combination method %q; use median, mean or clipped", combine)
}

func postStack(c *gin.Context) {
	var args postStackArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := args.toParams()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter := c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if m, err := json.MarshalIndent(args, "", "  "); err == nil {
		fmt.Fprintf(logWriter, "Arguments:\n%s\n", string(m))
	}

	pc := pipeline.NewContext(logWriter, 0.5)
	if err := pipeline.Run(c.Request.Context(), pc, params); err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	if flusher, ok := logWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
