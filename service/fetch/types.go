package fetch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
)

// Result is the terminal state of a fetch
type Result int

const (
	ResultSucceeded Result = iota
	ResultFailed
	ResultCanceled
)

func (result Result) String() string {
	switch result {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Progress tracks transferred and expected bytes
type Progress struct {
	loaded atomic.Int64
	total  atomic.Int64
}

func NewProgress() *Progress {
	progress := &Progress{}
	progress.total.Store(-1)
	return progress
}

func (progress *Progress) AddLoaded(n int64) int64 {
	return progress.loaded.Add(n)
}

func (progress *Progress) GetLoaded() int64 {
	return progress.loaded.Load()
}

// SetTotal records the expected length, -1 means unknown
func (progress *Progress) SetTotal(total int64) {
	progress.total.Store(total)
}

func (progress *Progress) GetTotal() int64 {
	return progress.total.Load()
}

// Request describes one fetch handed to a Handler
type Request struct {
	Info            *commons.TaskInfo
	URL             string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	DataLengthLimit int64
	Progress        *Progress
}

// Handler fetches the bytes of one source type into a sink.
// Handlers must stop writing and return once ctx is done; context.AfterFunc registers abort callbacks.
type Handler interface {
	Fetch(ctx context.Context, request *Request, sink io.Sink) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, request *Request, sink io.Sink) error

func (f HandlerFunc) Fetch(ctx context.Context, request *Request, sink io.Sink) error {
	return f(ctx, request, sink)
}

// FetchOutcome is what the engine reports for a fetch
type FetchOutcome struct {
	Result  Result
	Err     error
	Loaded  int64
	Total   int64
	Elapsed time.Duration
}
