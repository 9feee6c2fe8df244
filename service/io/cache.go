package io

import (
	"io"
	"sync"

	"github.com/cyverse/imageloader/commons"
)

// Sink receives fetched bytes, sequentially or at offsets
type Sink interface {
	io.Writer
	io.WriterAt
	// SetLength announces the total length before offset writes
	SetLength(length int64) error
	GetLength() int64
}

// MemorySink buffers fetched bytes in memory up to a limit
type MemorySink struct {
	buffer []byte
	length int64
	limit  int64
	mutex  sync.Mutex
}

// NewMemorySink creates a MemorySink, limit <= 0 means unbounded
func NewMemorySink(limit int64) *MemorySink {
	return &MemorySink{
		buffer: []byte{},
		length: 0,
		limit:  limit,
	}
}

func (sink *MemorySink) grow(size int64) error {
	if sink.limit > 0 && size > sink.limit {
		return commons.NewMemoryBufferExceededError(size, sink.limit)
	}

	if int64(cap(sink.buffer)) < size {
		newBuffer := make([]byte, len(sink.buffer), size)
		copy(newBuffer, sink.buffer)
		sink.buffer = newBuffer
	}

	if int64(len(sink.buffer)) < size {
		sink.buffer = sink.buffer[:size]
	}
	return nil
}

// Write appends data
func (sink *MemorySink) Write(data []byte) (int, error) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	return sink.writeAt(data, sink.length)
}

// WriteAt writes data at the offset
func (sink *MemorySink) WriteAt(data []byte, offset int64) (int, error) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	return sink.writeAt(data, offset)
}

func (sink *MemorySink) writeAt(data []byte, offset int64) (int, error) {
	end := offset + int64(len(data))
	err := sink.grow(end)
	if err != nil {
		return 0, err
	}

	copy(sink.buffer[offset:end], data)
	if end > sink.length {
		sink.length = end
	}
	return len(data), nil
}

// SetLength reserves space for the given length
func (sink *MemorySink) SetLength(length int64) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	err := sink.grow(length)
	if err != nil {
		return err
	}

	sink.length = length
	return nil
}

// GetLength returns the length written
func (sink *MemorySink) GetLength() int64 {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	return sink.length
}

// GetLimit returns the limit
func (sink *MemorySink) GetLimit() int64 {
	return sink.limit
}

// Bytes returns buffered data
func (sink *MemorySink) Bytes() []byte {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	return sink.buffer[:sink.length]
}
