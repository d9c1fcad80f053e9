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
	"math"
)

const (
	rotatorZeropoint = 209.7 // sky position angle offset of the rotator, degrees
	plateScale       = 0.081 // arcseconds per unbinned pixel
)

// Celestial world coordinate solution for one sensor's binned grid
type WCS struct {
	CRVal1, CRVal2 float64       // reference RA, Dec in degrees
	CRPix1, CRPix2 float64       // reference pixel, 1-based
	CD             [2][2]float64 // degrees per binned pixel
}

// DeriveWCS builds a tangent-plane solution from the frame's pointing
// keywords for a sensor with the given binning. Fails when RADEG, DECDEG
// or INSTRPA are absent from the header.
func DeriveWCS(h *Header, xbin, ybin int, crpix1, crpix2 float64) (*WCS, error) {
	ra, okRA := h.Float("RADEG")
	dec, okDec := h.Float("DECDEG")
	pa, okPA := h.Float("INSTRPA")
	if !okRA || !okDec || !okPA {
		return nil, fmt.Errorf("cannot derive sky coordinates: header lacks RADEG, DECDEG or INSTRPA")
	}

	theta := (pa - rotatorZeropoint) * math.Pi / 180
	cpa, spa := math.Cos(theta), math.Sin(theta)
	scale := plateScale / 3600

	return &WCS{
		CRVal1: ra, CRVal2: dec,
		CRPix1: crpix1, CRPix2: crpix2,
		CD: [2][2]float64{
			{scale * float64(xbin) * cpa, scale * float64(ybin) * spa},
			{-scale * float64(xbin) * spa, scale * float64(ybin) * cpa},
		},
	}, nil
}

// AddToHeader records the solution as standard header keywords
func (w *WCS) AddToHeader(h *Header) {
	h.Strings["CTYPE1"] = "RA---TAN"
	h.Strings["CTYPE2"] = "DEC--TAN"
	h.Floats["CRVAL1"] = w.CRVal1
	h.Floats["CRVAL2"] = w.CRVal2
	h.Floats["CRPIX1"] = w.CRPix1
	h.Floats["CRPIX2"] = w.CRPix2
	h.Floats["CD1_1"] = w.CD[0][0]
	h.Floats["CD1_2"] = w.CD[0][1]
	h.Floats["CD2_1"] = w.CD[1][0]
	h.Floats["CD2_2"] = w.CD[1][1]
}
