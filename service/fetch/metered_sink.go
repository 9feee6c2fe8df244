package fetch

import (
	"context"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
)

// meteredSink counts bytes into progress, enforces the length limit and
// stops accepting data once the fetch is canceled
type meteredSink struct {
	ctx      context.Context
	sink     io.Sink
	progress *Progress
	limit    int64
}

func newMeteredSink(ctx context.Context, sink io.Sink, progress *Progress, limit int64) *meteredSink {
	return &meteredSink{
		ctx:      ctx,
		sink:     sink,
		progress: progress,
		limit:    limit,
	}
}

func (sink *meteredSink) check(size int64) error {
	err := sink.ctx.Err()
	if err != nil {
		return err
	}

	if sink.limit > 0 && size > sink.limit {
		return commons.NewDataLengthExceededError(size, sink.limit)
	}
	return nil
}

func (sink *meteredSink) Write(data []byte) (int, error) {
	err := sink.check(sink.progress.GetLoaded() + int64(len(data)))
	if err != nil {
		return 0, err
	}

	n, err := sink.sink.Write(data)
	sink.progress.AddLoaded(int64(n))
	if err != nil {
		return n, commons.NewSinkError(err)
	}
	return n, nil
}

func (sink *meteredSink) WriteAt(data []byte, offset int64) (int, error) {
	err := sink.check(offset + int64(len(data)))
	if err != nil {
		return 0, err
	}

	n, err := sink.sink.WriteAt(data, offset)
	sink.progress.AddLoaded(int64(n))
	if err != nil {
		return n, commons.NewSinkError(err)
	}
	return n, nil
}

func (sink *meteredSink) SetLength(length int64) error {
	err := sink.check(length)
	if err != nil {
		return err
	}

	sink.progress.SetTotal(length)

	err = sink.sink.SetLength(length)
	if err != nil {
		return commons.NewSinkError(err)
	}
	return nil
}

func (sink *meteredSink) GetLength() int64 {
	return sink.sink.GetLength()
}
