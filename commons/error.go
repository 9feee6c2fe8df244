package commons

import (
	"errors"
	"fmt"
	"time"
)

// DataLengthExceededError is returned when a source advertises or delivers more bytes than allowed
type DataLengthExceededError struct {
	Length int64
	Limit  int64
}

// NewDataLengthExceededError creates an error for oversized image data
func NewDataLengthExceededError(length int64, limit int64) error {
	return &DataLengthExceededError{
		Length: length,
		Limit:  limit,
	}
}

// Error returns error message
func (err *DataLengthExceededError) Error() string {
	return fmt.Sprintf("image data length %d exceeds limit %d", err.Length, err.Limit)
}

// Is tests type of error
func (err *DataLengthExceededError) Is(other error) bool {
	_, ok := other.(*DataLengthExceededError)
	return ok
}

// ToString stringifies the object
func (err *DataLengthExceededError) ToString() string {
	return "<DataLengthExceededError>"
}

// IsDataLengthExceededError evaluates if the given error is data length exceeded error
func IsDataLengthExceededError(err error) bool {
	return errors.Is(err, &DataLengthExceededError{})
}

// MemoryBufferExceededError is returned when the in-memory fallback buffer overflows
type MemoryBufferExceededError struct {
	Length int64
	Limit  int64
}

// NewMemoryBufferExceededError creates an error for memory buffer overflow
func NewMemoryBufferExceededError(length int64, limit int64) error {
	return &MemoryBufferExceededError{
		Length: length,
		Limit:  limit,
	}
}

// Error returns error message
func (err *MemoryBufferExceededError) Error() string {
	return fmt.Sprintf("memory buffer length %d exceeds limit %d", err.Length, err.Limit)
}

// Is tests type of error
func (err *MemoryBufferExceededError) Is(other error) bool {
	_, ok := other.(*MemoryBufferExceededError)
	return ok
}

// ToString stringifies the object
func (err *MemoryBufferExceededError) ToString() string {
	return "<MemoryBufferExceededError>"
}

// IsMemoryBufferExceededError evaluates if the given error is memory buffer exceeded error
func IsMemoryBufferExceededError(err error) bool {
	return errors.Is(err, &MemoryBufferExceededError{})
}

// LowNetworkSpeedError is the cancel cause of a transfer judged too slow
type LowNetworkSpeedError struct {
	Elapsed time.Duration
	Speed   int64 // bytes per second
}

// NewLowNetworkSpeedError creates LowNetworkSpeedError struct
func NewLowNetworkSpeedError(elapsed time.Duration, speed int64) error {
	return &LowNetworkSpeedError{
		Elapsed: elapsed,
		Speed:   speed,
	}
}

// Error returns error message
func (err *LowNetworkSpeedError) Error() string {
	return fmt.Sprintf("low network speed %d B/s after %s", err.Speed, err.Elapsed)
}

// Is tests type of error
func (err *LowNetworkSpeedError) Is(other error) bool {
	_, ok := other.(*LowNetworkSpeedError)
	return ok
}

// ToString stringifies the object
func (err *LowNetworkSpeedError) ToString() string {
	return "<LowNetworkSpeedError>"
}

// IsLowNetworkSpeedError evaluates if the given error is low network speed error
func IsLowNetworkSpeedError(err error) bool {
	return errors.Is(err, &LowNetworkSpeedError{})
}

// RangeInconsistencyError is returned when segments of a multi-range fetch disagree
type RangeInconsistencyError struct {
	URL      string
	Expected string
	Actual   string
}

// NewRangeInconsistencyError creates RangeInconsistencyError struct
func NewRangeInconsistencyError(url string, expected string, actual string) error {
	return &RangeInconsistencyError{
		URL:      url,
		Expected: expected,
		Actual:   actual,
	}
}

// Error returns error message
func (err *RangeInconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent range response for %q, expected %q, got %q", err.URL, err.Expected, err.Actual)
}

// Is tests type of error
func (err *RangeInconsistencyError) Is(other error) bool {
	_, ok := other.(*RangeInconsistencyError)
	return ok
}

// ToString stringifies the object
func (err *RangeInconsistencyError) ToString() string {
	return "<RangeInconsistencyError>"
}

// IsRangeInconsistencyError evaluates if the given error is range inconsistency error
func IsRangeInconsistencyError(err error) bool {
	return errors.Is(err, &RangeInconsistencyError{})
}

// QuarantineOverflowError is returned when in-use evicted entries exceed the quarantine ceiling.
// Entries were not marked unused in time, which is a caller bug.
type QuarantineOverflowError struct {
	Size  int64
	Limit int64
}

// NewQuarantineOverflowError creates QuarantineOverflowError struct
func NewQuarantineOverflowError(size int64, limit int64) error {
	return &QuarantineOverflowError{
		Size:  size,
		Limit: limit,
	}
}

// Error returns error message
func (err *QuarantineOverflowError) Error() string {
	return fmt.Sprintf("quarantine size %d exceeds limit %d, entries are not marked unused", err.Size, err.Limit)
}

// Is tests type of error
func (err *QuarantineOverflowError) Is(other error) bool {
	_, ok := other.(*QuarantineOverflowError)
	return ok
}

// ToString stringifies the object
func (err *QuarantineOverflowError) ToString() string {
	return "<QuarantineOverflowError>"
}

// IsQuarantineOverflowError evaluates if the given error is quarantine overflow error
func IsQuarantineOverflowError(err error) bool {
	return errors.Is(err, &QuarantineOverflowError{})
}

// SourceNotFoundError contains source not found error information
type SourceNotFoundError struct {
	Path string
}

// NewSourceNotFoundError creates SourceNotFoundError struct
func NewSourceNotFoundError(path string) error {
	return &SourceNotFoundError{
		Path: path,
	}
}

// Error returns error message
func (err *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source %q not found", err.Path)
}

// Is tests type of error
func (err *SourceNotFoundError) Is(other error) bool {
	_, ok := other.(*SourceNotFoundError)
	return ok
}

// ToString stringifies the object
func (err *SourceNotFoundError) ToString() string {
	return "<SourceNotFoundError>"
}

// IsSourceNotFoundError evaluates if the given error is source not found error
func IsSourceNotFoundError(err error) bool {
	return errors.Is(err, &SourceNotFoundError{})
}

// UnsupportedSourceError is returned when no fetch handler is registered for a source type
type UnsupportedSourceError struct {
	SourceType SourceType
}

// NewUnsupportedSourceError creates UnsupportedSourceError struct
func NewUnsupportedSourceError(sourceType SourceType) error {
	return &UnsupportedSourceError{
		SourceType: sourceType,
	}
}

// Error returns error message
func (err *UnsupportedSourceError) Error() string {
	return fmt.Sprintf("no fetch handler for source type %q", string(err.SourceType))
}

// Is tests type of error
func (err *UnsupportedSourceError) Is(other error) bool {
	_, ok := other.(*UnsupportedSourceError)
	return ok
}

// ToString stringifies the object
func (err *UnsupportedSourceError) ToString() string {
	return "<UnsupportedSourceError>"
}

// IsUnsupportedSourceError evaluates if the given error is unsupported source error
func IsUnsupportedSourceError(err error) bool {
	return errors.Is(err, &UnsupportedSourceError{})
}

// DiskCacheUnavailableError is reported when the disk cache rejects use
type DiskCacheUnavailableError struct {
	Status string
}

// NewDiskCacheUnavailableError creates DiskCacheUnavailableError struct
func NewDiskCacheUnavailableError(status string) error {
	return &DiskCacheUnavailableError{
		Status: status,
	}
}

// Error returns error message
func (err *DiskCacheUnavailableError) Error() string {
	return fmt.Sprintf("disk cache is unavailable (status %s)", err.Status)
}

// Is tests type of error
func (err *DiskCacheUnavailableError) Is(other error) bool {
	_, ok := other.(*DiskCacheUnavailableError)
	return ok
}

// ToString stringifies the object
func (err *DiskCacheUnavailableError) ToString() string {
	return "<DiskCacheUnavailableError>"
}

// IsDiskCacheUnavailableError evaluates if the given error is disk cache unavailable error
func IsDiskCacheUnavailableError(err error) bool {
	return errors.Is(err, &DiskCacheUnavailableError{})
}

// SinkError wraps a failure of the sink a fetch writes into, as opposed to a source failure
type SinkError struct {
	Err error
}

// NewSinkError creates SinkError struct
func NewSinkError(err error) error {
	return &SinkError{
		Err: err,
	}
}

// Error returns error message
func (err *SinkError) Error() string {
	return fmt.Sprintf("failed to write to sink: %v", err.Err)
}

// Unwrap returns the sink failure
func (err *SinkError) Unwrap() error {
	return err.Err
}

// Is tests type of error
func (err *SinkError) Is(other error) bool {
	_, ok := other.(*SinkError)
	return ok
}

// ToString stringifies the object
func (err *SinkError) ToString() string {
	return "<SinkError>"
}

// IsSinkError evaluates if the given error is sink error
func IsSinkError(err error) bool {
	return errors.Is(err, &SinkError{})
}
