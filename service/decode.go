package service

import (
	"bytes"
	"os"

	goio "io"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"golang.org/x/xerrors"
)

// DecodeSource is what a decoder reads, either buffered bytes or a file
type DecodeSource struct {
	data []byte
	path string
}

// NewBytesDecodeSource wraps fetched bytes
func NewBytesDecodeSource(data []byte) DecodeSource {
	return DecodeSource{
		data: data,
	}
}

// NewFileDecodeSource wraps a local file or a disk cache entry file
func NewFileDecodeSource(path string) DecodeSource {
	return DecodeSource{
		path: path,
	}
}

func (source DecodeSource) IsFile() bool {
	return len(source.path) > 0
}

func (source DecodeSource) GetPath() string {
	return source.path
}

func (source DecodeSource) GetData() []byte {
	return source.data
}

// Open returns a reader over the source
func (source DecodeSource) Open() (goio.ReadCloser, error) {
	if !source.IsFile() {
		return goio.NopCloser(bytes.NewReader(source.data)), nil
	}

	file, err := os.Open(source.path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %q: %w", source.path, err)
	}
	return file, nil
}

// DecodeHandler turns raw bytes into an image resource sized for the request
type DecodeHandler interface {
	Decode(source DecodeSource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error)
}

// DecodeInterceptor post-processes a decoded resource before it is cached.
// Returning a different instance releases the original.
type DecodeInterceptor interface {
	Intercept(resource cache.ImageResource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error)
}

// DecodeInterceptorFunc adapts a function to DecodeInterceptor
type DecodeInterceptorFunc func(resource cache.ImageResource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error)

func (f DecodeInterceptorFunc) Intercept(resource cache.ImageResource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error) {
	return f(resource, params, info)
}
