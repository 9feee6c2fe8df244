package service

import (
	"image"
	"sync/atomic"

	// formats known to StdDecodeHandler
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"golang.org/x/xerrors"
)

const (
	bytesPerPixel int64 = 4
)

// StdImage is a decoded image held by the caches
type StdImage struct {
	image    image.Image
	format   string
	byteSize int64
	released atomic.Bool
}

func NewStdImage(img image.Image, format string) *StdImage {
	bounds := img.Bounds()
	return &StdImage{
		image:    img,
		format:   format,
		byteSize: int64(bounds.Dx()) * int64(bounds.Dy()) * bytesPerPixel,
	}
}

// GetImage returns the image, nil once released
func (img *StdImage) GetImage() image.Image {
	if img.released.Load() {
		return nil
	}
	return img.image
}

func (img *StdImage) GetFormat() string {
	return img.format
}

func (img *StdImage) GetByteSize() int64 {
	return img.byteSize
}

func (img *StdImage) IsReleased() bool {
	return img.released.Load()
}

// release marks the image released, returns false if it already was
func (img *StdImage) release() bool {
	return img.released.CompareAndSwap(false, true)
}

// calculateInSampleSize returns the largest power of 2 that keeps the image at least as big as requested
func calculateInSampleSize(width int, height int, reqWidth int, reqHeight int) int {
	inSampleSize := 1
	if reqWidth <= 0 || reqHeight <= 0 {
		return inSampleSize
	}

	for width/(inSampleSize*2) >= reqWidth && height/(inSampleSize*2) >= reqHeight {
		inSampleSize *= 2
	}
	return inSampleSize
}

func subsample(img image.Image, inSampleSize int) image.Image {
	if inSampleSize <= 1 {
		return img
	}

	bounds := img.Bounds()
	width := bounds.Dx() / inSampleSize
	height := bounds.Dy() / inSampleSize

	sampled := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sampled.Set(x, y, img.At(bounds.Min.X+x*inSampleSize, bounds.Min.Y+y*inSampleSize))
		}
	}
	return sampled
}

// StdDecodeHandler decodes gif, jpeg and png with the image package,
// subsampling by powers of 2 down to the requested size
type StdDecodeHandler struct{}

func NewStdDecodeHandler() *StdDecodeHandler {
	return &StdDecodeHandler{}
}

func (handler *StdDecodeHandler) Decode(source DecodeSource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error) {
	reader, err := source.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode %q: %w", info.ResourceID, err)
	}

	reqWidth, reqHeight := params.GetRequestSize()
	bounds := img.Bounds()
	inSampleSize := calculateInSampleSize(bounds.Dx(), bounds.Dy(), reqWidth, reqHeight)

	return NewStdImage(subsample(img, inSampleSize), format), nil
}

// StdResourceHandler measures and releases StdImage resources
type StdResourceHandler struct{}

func NewStdResourceHandler() *StdResourceHandler {
	return &StdResourceHandler{}
}

func (handler *StdResourceHandler) ByteSizeOf(resource cache.ImageResource) int64 {
	if img, ok := resource.(*StdImage); ok {
		return img.GetByteSize()
	}
	return 0
}

func (handler *StdResourceHandler) IsValid(resource cache.ImageResource) bool {
	if img, ok := resource.(*StdImage); ok {
		return !img.IsReleased()
	}
	return false
}

func (handler *StdResourceHandler) Release(resource cache.ImageResource) bool {
	if img, ok := resource.(*StdImage); ok {
		return img.release()
	}
	return false
}
