package service

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyverse/imageloader/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTestPNG encodes a noisy image that does not compress well
func makeTestPNG(t *testing.T, width int, height int) []byte {
	random := rand.New(rand.NewSource(int64(width*height + 1)))

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(random.Intn(256)),
				G: uint8(random.Intn(256)),
				B: uint8(random.Intn(256)),
				A: 255,
			})
		}
	}

	buffer := bytes.Buffer{}
	err := png.Encode(&buffer, img)
	require.NoError(t, err)
	return buffer.Bytes()
}

func TestCalculateInSampleSize(t *testing.T) {
	assert.Equal(t, 1, calculateInSampleSize(100, 100, 0, 0))
	assert.Equal(t, 1, calculateInSampleSize(100, 100, 100, 100))
	assert.Equal(t, 1, calculateInSampleSize(100, 100, 200, 200))
	assert.Equal(t, 2, calculateInSampleSize(100, 100, 50, 50))
	assert.Equal(t, 2, calculateInSampleSize(100, 100, 40, 40))
	assert.Equal(t, 4, calculateInSampleSize(400, 300, 100, 75))
	// the smaller ratio wins
	assert.Equal(t, 2, calculateInSampleSize(400, 100, 100, 50))
}

func TestStdDecodeHandler(t *testing.T) {
	data := makeTestPNG(t, 100, 100)
	handler := NewStdDecodeHandler()
	info := &commons.TaskInfo{ResourceID: "a.png"}

	params, err := NewParamsBuilder().SetRequestSize(100, 100).Build()
	require.NoError(t, err)

	resource, err := handler.Decode(NewBytesDecodeSource(data), params, info)
	require.NoError(t, err)

	img := resource.(*StdImage)
	assert.Equal(t, "png", img.GetFormat())
	assert.Equal(t, 100, img.GetImage().Bounds().Dx())
	assert.Equal(t, int64(100*100*4), img.GetByteSize())

	// a file source decodes the same way, subsampled
	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, data, 0600))

	half, err := NewParamsBuilder().SetRequestSize(50, 50).Build()
	require.NoError(t, err)

	resource, err = handler.Decode(NewFileDecodeSource(path), half, info)
	require.NoError(t, err)

	img = resource.(*StdImage)
	assert.Equal(t, 50, img.GetImage().Bounds().Dx())
	assert.Equal(t, 50, img.GetImage().Bounds().Dy())

	_, err = handler.Decode(NewBytesDecodeSource([]byte("not an image")), params, info)
	assert.Error(t, err)

	_, err = handler.Decode(NewFileDecodeSource(filepath.Join(t.TempDir(), "missing.png")), params, info)
	assert.Error(t, err)
}

func TestStdResourceHandler(t *testing.T) {
	handler := NewStdResourceHandler()
	img := NewStdImage(image.NewNRGBA(image.Rect(0, 0, 10, 20)), "png")

	assert.Equal(t, int64(10*20*4), handler.ByteSizeOf(img))
	assert.True(t, handler.IsValid(img))

	assert.True(t, handler.Release(img))
	assert.False(t, handler.Release(img))
	assert.False(t, handler.IsValid(img))
	assert.Nil(t, img.GetImage())

	assert.False(t, handler.IsValid("not an image"))
	assert.Equal(t, int64(0), handler.ByteSizeOf("not an image"))
}
