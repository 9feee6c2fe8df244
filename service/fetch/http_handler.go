package fetch

import (
	"context"
	goio "io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	copyBufferSize int = 32 * 1024
)

// idleTimeoutReader fails a read that waits longer than timeout for data.
// The timer only runs inside Read, time spent by the caller between reads is not counted.
type idleTimeoutReader struct {
	reader   goio.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleTimeoutReader(reader goio.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	idleReader := &idleTimeoutReader{
		reader:  reader,
		timeout: timeout,
	}

	if timeout > 0 {
		idleReader.timer = time.AfterFunc(timeout, func() {
			idleReader.timedOut.Store(true)
			reader.Close()
		})
		idleReader.timer.Stop()
	}
	return idleReader
}

func (reader *idleTimeoutReader) Read(data []byte) (int, error) {
	if reader.timer != nil {
		reader.timer.Reset(reader.timeout)
	}

	n, err := reader.reader.Read(data)
	if reader.timer != nil {
		reader.timer.Stop()
	}

	if err != nil && err != goio.EOF && reader.timedOut.Load() {
		return n, xerrors.Errorf("no data for %s: %w", reader.timeout, os.ErrDeadlineExceeded)
	}
	return n, err
}

func (reader *idleTimeoutReader) Close() error {
	if reader.timer != nil {
		reader.timer.Stop()
	}
	return reader.reader.Close()
}

// HTTPHandler fetches a resource with a single GET
type HTTPHandler struct {
	clients *clientPool
	headers map[string]string
}

// NewHTTPHandler creates HTTPHandler, headers are added to every request
func NewHTTPHandler(headers map[string]string) *HTTPHandler {
	if headers == nil {
		headers = map[string]string{}
	}

	return &HTTPHandler{
		clients: newClientPool(),
		headers: headers,
	}
}

func (handler *HTTPHandler) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to make request for %q: %w", url, err)
	}

	for key, value := range handler.headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func checkStatus(url string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return commons.NewSourceNotFoundError(url)
	default:
		return xerrors.Errorf("unexpected status %d for %q", resp.StatusCode, url)
	}
}

// Fetch performs the GET and streams the body into sink
func (handler *HTTPHandler) Fetch(ctx context.Context, request *Request, sink io.Sink) error {
	logger := log.WithFields(log.Fields{
		"package":  "fetch",
		"struct":   "HTTPHandler",
		"function": "Fetch",
	})

	client := handler.clients.get(request.ConnectTimeout, request.ReadTimeout)

	req, err := handler.newRequest(ctx, request.URL)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to get %q: %w", request.URL, err)
	}
	defer resp.Body.Close()

	err = checkStatus(request.URL, resp)
	if err != nil {
		return err
	}

	logger.Debugf("Got %q, content length %d", request.URL, resp.ContentLength)
	return streamBody(ctx, request, resp, sink)
}

// streamBody copies a whole (non-range) response body into sink
func streamBody(ctx context.Context, request *Request, resp *http.Response, sink io.Sink) error {
	if resp.ContentLength >= 0 {
		if request.DataLengthLimit > 0 && resp.ContentLength > request.DataLengthLimit {
			return commons.NewDataLengthExceededError(resp.ContentLength, request.DataLengthLimit)
		}
		request.Progress.SetTotal(resp.ContentLength)
	}

	body := newIdleTimeoutReader(resp.Body, request.ReadTimeout)
	defer body.Close()

	// closing the body unblocks a pending read on cancel
	stop := context.AfterFunc(ctx, func() {
		body.Close()
	})
	defer stop()

	buffer := make([]byte, copyBufferSize)
	_, err := goio.CopyBuffer(writerOnly{sink}, body, buffer)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.Errorf("failed to copy body of %q: %w", request.URL, err)
	}

	if resp.ContentLength >= 0 && sink.GetLength() < resp.ContentLength {
		return xerrors.Errorf("short body of %q, %d of %d bytes: %w", request.URL, sink.GetLength(), resp.ContentLength, goio.ErrUnexpectedEOF)
	}
	return nil
}

// writerOnly hides other methods of the sink from io.CopyBuffer
type writerOnly struct {
	goio.Writer
}
