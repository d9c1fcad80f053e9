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
	"bufio"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Write a window to 16-bit grayscale TIFF, using the given min, max and gamma.
func (w *Window) WriteTIFF16ToFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return w.WriteTIFF16(writer, min, max, gamma)
}

// Write a window to 16-bit grayscale TIFF, using the given min, max and gamma.
// Window row 0 is the bottom of the image, so rows are flipped on export.
func (w *Window) WriteTIFF16(writer io.Writer, min, max, gamma float32) error {
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{w.NX, w.NY}})
	scale := 1 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < w.NY; y++ {
		yoffset := (w.NY - 1 - y) * w.NX
		for x := 0; x < w.NX; x++ {
			gray := w.Data[yoffset+x]
			gray = (gray - min) * scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			if gammaInv != 1.0 {
				gray = float32(math.Pow(float64(gray), gammaInv))
			}
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}
