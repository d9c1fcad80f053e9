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

// Package reduce loads the reduction descriptor naming the photometric
// apertures, detector noise model and stellar profile fit parameters
// that drive offset estimation.
package reduce

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// A photometric aperture position in unbinned sensor coordinates.
// Reference apertures contribute to the frame offset estimate.
type Aperture struct {
	X   float64 `yaml:"x"`
	Y   float64 `yaml:"y"`
	Ref bool    `yaml:"ref"`
}

// Per-sensor reduction settings
type CCDConfig struct {
	RNoise    float64             `yaml:"rnoise"` // readout noise in counts
	Gain      float64             `yaml:"gain"`   // electrons per count
	Apertures map[string]Aperture `yaml:"apertures"`
}

// RefNames returns the labels of the reference apertures, sorted
func (c *CCDConfig) RefNames() []string {
	names := make([]string, 0, len(c.Apertures))
	for name, ap := range c.Apertures {
		if ap.Ref {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Parameters of the stellar profile fit used to re-center apertures
type Profile struct {
	SearchHalfWidth int     `yaml:"search_half_width"` // binned pixels
	FWHM            float64 `yaml:"fwhm"`              // initial guess, unbinned pixels
	Beta            float64 `yaml:"beta"`              // Moffat exponent
}

// Calibration frame paths handed through to acquisition. Empty paths
// disable the corresponding correction.
type Calibration struct {
	Bias string `yaml:"bias"`
	Dark string `yaml:"dark"`
	Flat string `yaml:"flat"`
}

// The full reduction descriptor
type File struct {
	Version     string                `yaml:"version"`
	Calibration Calibration           `yaml:"calibration"`
	Profile     Profile               `yaml:"profile"`
	CCDs        map[string]*CCDConfig `yaml:"ccds"`
}

// CCD returns the settings for the named sensor, or nil
func (f *File) CCD(name string) *CCDConfig {
	return f.CCDs[name]
}

// Load reads and validates a reduction descriptor file
func Load(fileName string) (*File, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	return f, f.finalize(fileName)
}

// finalize applies defaults and sanity checks
func (f *File) finalize(fileName string) error {
	if f.Profile.SearchHalfWidth <= 0 {
		f.Profile.SearchHalfWidth = 5
	}
	if f.Profile.FWHM <= 0 {
		f.Profile.FWHM = 6
	}
	if f.Profile.Beta <= 0 {
		f.Profile.Beta = 4
	}
	if len(f.CCDs) == 0 {
		return fmt.Errorf("%s: no sensors configured", fileName)
	}
	for name, c := range f.CCDs {
		if c == nil {
			return fmt.Errorf("%s: sensor %s has no settings", fileName, name)
		}
		if c.RNoise < 0 {
			return fmt.Errorf("%s: sensor %s: negative readout noise %g", fileName, name, c.RNoise)
		}
		if c.Gain <= 0 {
			c.Gain = 1
		}
	}
	return nil
}
