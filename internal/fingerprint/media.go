package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// DHash computes a 64-bit difference hash: the image is sampled onto a 9x8
// grayscale grid and each bit records whether a cell is brighter than its
// right neighbour.
func DHash(img image.Image) uint64 {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	const cols, rows = 9, 8
	var grid [rows][cols]float64
	for y := 0; y < rows; y++ {
		y0 := bounds.Min.Y + y*h/rows
		y1 := bounds.Min.Y + max((y+1)*h/rows, y*h/rows+1)
		for x := 0; x < cols; x++ {
			x0 := bounds.Min.X + x*w/cols
			x1 := bounds.Min.X + max((x+1)*w/cols, x*w/cols+1)
			grid[y][x] = meanLuma(img, x0, y0, x1, y1)
		}
	}

	var hash uint64
	bit := 0
	for y := 0; y < rows; y++ {
		for x := 0; x < cols-1; x++ {
			if grid[y][x] > grid[y][x+1] {
				hash |= 1 << bit
			}
			bit++
		}
	}
	return hash
}

// DHashBytes decodes an encoded GIF, JPEG or PNG and hashes it.
func DHashBytes(raw []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return DHash(img), nil
}

func meanLuma(img image.Image, x0, y0, x1, y1 int) float64 {
	var sum float64
	n := 0
	stepX := max(1, (x1-x0)/4)
	stepY := max(1, (y1-y0)/4)
	for y := y0; y < y1; y += stepY {
		for x := x0; x < x1; x += stepX {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			sum += float64(gray.Y)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
