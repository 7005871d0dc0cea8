package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"terrastamp.ai/internal/terrain/heightgrid"
)

var (
	ErrFormat   = errors.New("export: unsupported format")
	ErrChannels = errors.New("export: need 1 to 4 channels")
	ErrShape    = errors.New("export: channel data does not match its size")
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
	FormatR32  Format = "r32"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	case ".r32", ".raw":
		return FormatR32, nil
	}
	return "", fmt.Errorf("%w: %q", ErrFormat, filepath.Ext(path))
}

// Channel is one row-major float plane, usually in [0,1].
type Channel struct {
	Width int
	Depth int
	Data  []float64
}

func (c Channel) valid() bool {
	return c.Width >= 1 && c.Depth >= 1 && len(c.Data) == c.Width*c.Depth
}

// HeightChannel exposes a grid's normalized heights.
func HeightChannel(g *heightgrid.Grid) Channel {
	return Channel{Width: g.Width, Depth: g.Depth, Data: g.Samples()}
}

// Resample returns c bilinearly resampled to width x depth.
func Resample(c Channel, width, depth int) Channel {
	if c.Width == width && c.Depth == depth {
		return c
	}
	out := Channel{Width: width, Depth: depth, Data: make([]float64, width*depth)}
	for z := 0; z < depth; z++ {
		v := coord(z, depth)
		for x := 0; x < width; x++ {
			if c.Width == 1 || c.Depth == 1 {
				out.Data[x+z*width] = nearest(c, coord(x, width), v)
				continue
			}
			out.Data[x+z*width] = heightgrid.Bilinear(c.Data, c.Width, c.Depth, coord(x, width), v)
		}
	}
	return out
}

func coord(i, n int) float64 {
	if n <= 1 {
		return 0.5
	}
	return float64(i) / float64(n-1)
}

func nearest(c Channel, u, v float64) float64 {
	x := int(math.Round(u * float64(c.Width-1)))
	z := int(math.Round(v * float64(c.Depth-1)))
	return c.Data[x+z*c.Width]
}

// WriteFile exports channels to path at width x depth, choosing the format
// from the extension.
func WriteFile(path string, width, depth int, channels ...Channel) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	defer file.Close()
	bw := bufio.NewWriter(file)
	if err := Encode(bw, f, width, depth, channels...); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return file.Close()
}

// Encode writes channels resampled to width x depth. One channel is written
// as 16-bit gray; two to four channels fill R, G, B, A in order with alpha
// defaulting to opaque. r32 interleaves float32 samples per pixel.
func Encode(w io.Writer, f Format, width, depth int, channels ...Channel) error {
	if len(channels) == 0 || len(channels) > 4 {
		return fmt.Errorf("%w: got %d", ErrChannels, len(channels))
	}
	if width < 1 || depth < 1 {
		return fmt.Errorf("%w: %dx%d", ErrShape, width, depth)
	}
	planes := make([]Channel, len(channels))
	for i, c := range channels {
		if !c.valid() {
			return fmt.Errorf("%w: channel %d", ErrShape, i)
		}
		planes[i] = Resample(c, width, depth)
	}

	switch f {
	case FormatR32:
		return encodeR32(w, planes, width, depth)
	case FormatPNG:
		return png.Encode(w, toImage(planes, width, depth))
	case FormatTIFF:
		return tiff.Encode(w, toImage(planes, width, depth), &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%w: %q", ErrFormat, f)
}

func to16(v float64) uint16 {
	return uint16(math.Round(heightgrid.Clamp01(v) * 0xffff))
}

func toImage(planes []Channel, width, depth int) image.Image {
	rect := image.Rect(0, 0, width, depth)
	if len(planes) == 1 {
		img := image.NewGray16(rect)
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, color.Gray16{Y: to16(planes[0].Data[x+z*width])})
			}
		}
		return img
	}
	img := image.NewNRGBA64(rect)
	for z := 0; z < depth; z++ {
		for x := 0; x < width; x++ {
			i := x + z*width
			px := [4]uint16{0, 0, 0, 0xffff}
			for c, p := range planes {
				px[c] = to16(p.Data[i])
			}
			img.SetNRGBA64(x, z, color.NRGBA64{R: px[0], G: px[1], B: px[2], A: px[3]})
		}
	}
	return img
}

func encodeR32(w io.Writer, planes []Channel, width, depth int) error {
	buf := make([]byte, 4*len(planes))
	for i := 0; i < width*depth; i++ {
		for c, p := range planes {
			binary.LittleEndian.PutUint32(buf[4*c:], math.Float32bits(float32(p.Data[i])))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
