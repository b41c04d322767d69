package cardimage

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/image/draw"

	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/logger"
)

// aspectEpsilon is the tolerance below which two aspect ratios are equal.
const aspectEpsilon = 1e-6

// CropGeometry describes the art box of a card in pixels of a reference
// scan. It is applied proportionally to images of any resolution.
type CropGeometry struct {
	Ref    image.Point // reference width and height
	Offset image.Point // top-left corner of the art box
	Crop   image.Point // size of the art box
}

// DefaultGeometry is the art box of a 690x1000 card scan.
func DefaultGeometry() CropGeometry {
	g, _ := GeometryFromSizes(conf.SizeSettings{
		Ref:    conf.DefaultRef,
		Offset: conf.DefaultOffset,
		Crop:   conf.DefaultCrop,
	})
	return g
}

// GeometryFromSizes converts configured pairs into a validated geometry.
func GeometryFromSizes(s conf.SizeSettings) (CropGeometry, error) {
	pt := func(key string, pair []int) (image.Point, error) {
		if len(pair) != 2 {
			return image.Point{}, fmt.Errorf("%w: %s must have two values", ErrInvalidGeometry, key)
		}
		return image.Pt(pair[0], pair[1]), nil
	}

	var g CropGeometry
	var err error
	if g.Ref, err = pt("ref", s.Ref); err != nil {
		return CropGeometry{}, err
	}
	if g.Offset, err = pt("offset", s.Offset); err != nil {
		return CropGeometry{}, err
	}
	if g.Crop, err = pt("crop", s.Crop); err != nil {
		return CropGeometry{}, err
	}
	return g, g.Validate()
}

// Validate checks that the art box lies inside the reference size.
func (g CropGeometry) Validate() error {
	switch {
	case g.Ref.X <= 0 || g.Ref.Y <= 0:
		return fmt.Errorf("%w: reference size %v", ErrInvalidGeometry, g.Ref)
	case g.Crop.X <= 0 || g.Crop.Y <= 0:
		return fmt.Errorf("%w: crop size %v", ErrInvalidGeometry, g.Crop)
	case g.Offset.X < 0 || g.Offset.Y < 0:
		return fmt.Errorf("%w: offset %v", ErrInvalidGeometry, g.Offset)
	case g.Offset.X+g.Crop.X > g.Ref.X || g.Offset.Y+g.Crop.Y > g.Ref.Y:
		return fmt.Errorf("%w: crop %v at %v exceeds reference %v", ErrInvalidGeometry, g.Crop, g.Offset, g.Ref)
	}
	return nil
}

// CropRect returns the art box of an image with the given bounds.
//
// An image whose aspect differs from the reference is first center-cropped
// along its longer side. The box is then scaled proportionally and, if it
// overflows, shifted back inside the image keeping its size.
func CropRect(bounds image.Rectangle, g CropGeometry) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	x0, y0 := bounds.Min.X, bounds.Min.Y

	refAspect := float64(g.Ref.X) / float64(g.Ref.Y)
	aspect := float64(w) / float64(h)
	if math.Abs(aspect-refAspect) > aspectEpsilon {
		if aspect > refAspect {
			newW := min(roundHalfEven(float64(h)*refAspect), w)
			x0 += max(0, (w-newW)/2)
			w = newW
		} else {
			newH := min(roundHalfEven(float64(w)/refAspect), h)
			y0 += max(0, (h-newH)/2)
			h = newH
		}
	}

	ox := float64(g.Offset.X) / float64(g.Ref.X)
	oy := float64(g.Offset.Y) / float64(g.Ref.Y)
	cw := roundHalfEven(float64(g.Crop.X) / float64(g.Ref.X) * float64(w))
	ch := roundHalfEven(float64(g.Crop.Y) / float64(g.Ref.Y) * float64(h))

	left := roundHalfEven(ox * float64(w))
	top := roundHalfEven(oy * float64(h))
	right := left + cw
	bottom := top + ch

	if right > w {
		right = w
		left = max(0, w-cw)
	}
	if bottom > h {
		bottom = h
		top = max(0, h-ch)
	}

	return image.Rect(x0+left, y0+top, x0+right, y0+bottom)
}

// Crop cuts the art box out of src and optionally resamples it to outSize
// with Catmull-Rom. The result is opaque; transparency is flattened onto black.
func Crop(src image.Image, g CropGeometry, outSize image.Point) *image.RGBA {
	r := CropRect(src.Bounds(), g)

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Over)

	if outSize.X <= 0 || outSize.Y <= 0 || outSize == dst.Bounds().Size() {
		return dst
	}
	scaled := image.NewRGBA(image.Rect(0, 0, outSize.X, outSize.Y))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), dst, dst.Bounds(), draw.Src, nil)
	return scaled
}

// Normalizer crops downloaded images in place.
type Normalizer struct {
	Geometry CropGeometry
	OutSize  image.Point
	log      logger.Logger
}

// NewNormalizer returns a normalizer. outSize may be zero to keep the
// cropped size.
func NewNormalizer(g CropGeometry, outSize image.Point, log logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Normalizer{Geometry: g, OutSize: outSize, log: log}
}

// NormalizeFile crops the image at path and rewrites it in its own format.
// SVG files are vector art and stay as they are; other formats that cannot
// be re-encoded are skipped with a warning.
func (n *Normalizer) NormalizeFile(fs afero.Fs, path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "jpg", "jpeg", "png", "gif":
	case "svg":
		n.log.Debug("Keeping vector image uncropped", logger.String("path", path))
		return nil
	default:
		n.log.Warn("Unsupported image format, not cropping",
			logger.String("path", path),
			logger.String("format", ext))
		return nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return n.processingError("reading image", err, path)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return n.processingError("decoding image", err, path)
	}

	cropped := Crop(src, n.Geometry, n.OutSize)

	var buf bytes.Buffer
	switch ext {
	case "jpg", "jpeg":
		err = jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: jpeg.DefaultQuality})
	case "png":
		err = png.Encode(&buf, cropped)
	case "gif":
		err = gif.Encode(&buf, cropped, nil)
	}
	if err != nil {
		return n.processingError("encoding image", err, path)
	}

	if err := writeFileAtomic(fs, path, buf.Bytes()); err != nil {
		return n.processingError("writing image", err, path)
	}

	n.log.Debug("Cropped image",
		logger.String("path", path),
		logger.String("decoded_format", format),
		logger.Int("width", cropped.Bounds().Dx()),
		logger.Int("height", cropped.Bounds().Dy()))
	return nil
}

func (n *Normalizer) processingError(op string, err error, path string) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component(componentName).
		Category(errors.CategoryImageProcessing).
		FileContext(path).
		Build()
}

// writeFileAtomic replaces path through a temporary sibling file.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = fs.Remove(name)
		return errors.Join(writeErr, closeErr)
	}
	if err := fs.Rename(name, path); err != nil {
		_ = fs.Remove(name)
		return err
	}
	return nil
}

// roundHalfEven rounds to the nearest integer, ties to even.
func roundHalfEven(x float64) int {
	return int(math.RoundToEven(x))
}
