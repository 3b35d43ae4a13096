// Package preprocessing decodes images into the grayscale pixel grids the
// classifier consumes.
package preprocessing

import (
	"fmt"
	"image"
	stddraw "image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tsawler/imgtrain/errdefs"
)

// ImageProcessor decodes images to grayscale and resizes them to a fixed
// height and width with bilinear interpolation.
type ImageProcessor struct {
	height int
	width  int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(height, width int) *ImageProcessor {
	return &ImageProcessor{
		height: height,
		width:  width,
	}
}

// Height returns the target height.
func (p *ImageProcessor) Height() int { return p.height }

// Width returns the target width.
func (p *ImageProcessor) Width() int { return p.width }

// ProcessedImage is a grayscale image as row-major pixel values in [0, 255].
type ProcessedImage struct {
	Data   []float64
	Width  int
	Height int
}

// Decode reads a BMP, GIF, JPEG or PNG image, converts it to grayscale and
// resizes it to the target size.
func (p *ImageProcessor) Decode(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to decode image")
	}

	gray := Resize(ToGray(img), p.height, p.width)
	return &ProcessedImage{
		Data:   GrayToFloats(gray),
		Width:  p.width,
		Height: p.height,
	}, nil
}

// LoadFile decodes the image at path.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to open image")
	}
	defer file.Close()

	img, err := p.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ToGray converts img to 8-bit grayscale using the ITU-R 601 luma weights.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(gray, gray.Bounds(), img, b.Min, stddraw.Src)
	return gray
}

// Resize scales src to height x width with bilinear interpolation. An image
// already of that size is returned unchanged.
func Resize(src *image.Gray, height, width int) *image.Gray {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// GrayToFloats returns the pixels of g in row-major order.
func GrayToFloats(g *image.Gray) []float64 {
	b := g.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride : (y-b.Min.Y)*g.Stride+b.Dx()]
		for _, v := range row {
			out = append(out, float64(v))
		}
	}
	return out
}
