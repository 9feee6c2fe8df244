package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeHandler(t *testing.T) {
	t.Run("segmented fetch", testRangeHandlerSegmented)
	t.Run("small resource", testRangeHandlerSmall)
	t.Run("ranges ignored", testRangeHandlerIgnored)
	t.Run("inconsistent segment", testRangeHandlerInconsistent)
}

func serveRanges(data []byte, rangeRequests *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(r.Header.Get("Range")) > 0 {
			rangeRequests.Add(1)
		}
		http.ServeContent(w, r, "a.png", time.Time{}, bytes.NewReader(data))
	}
}

func testRangeHandlerSegmented(t *testing.T) {
	data := makeTestData(200 * 1024)
	rangeRequests := atomic.Int32{}
	server := httptest.NewServer(serveRanges(data, &rangeRequests))
	defer server.Close()

	handler := NewRangeHandler(nil, 32*1024, 4)
	request := newTestRequest(server.URL + "/a.png")
	sink := io.NewMemorySink(0)

	err := handler.Fetch(context.Background(), request, sink)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, sink.Bytes()))
	assert.Equal(t, int32(4), rangeRequests.Load())

	_, known := handler.GetCapability(request.URL)
	assert.False(t, known)
}

func testRangeHandlerSmall(t *testing.T) {
	data := makeTestData(1000)
	rangeRequests := atomic.Int32{}
	server := httptest.NewServer(serveRanges(data, &rangeRequests))
	defer server.Close()

	handler := NewRangeHandler(nil, 32*1024, 4)
	sink := io.NewMemorySink(0)

	err := handler.Fetch(context.Background(), newTestRequest(server.URL), sink)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, sink.Bytes()))
	assert.Equal(t, int32(1), rangeRequests.Load())
}

func testRangeHandlerIgnored(t *testing.T) {
	data := makeTestData(100 * 1024)
	server := httptest.NewServer(serveBytes(data))
	defer server.Close()

	handler := NewRangeHandler(nil, 32*1024, 4)
	request := newTestRequest(server.URL)
	sink := io.NewMemorySink(0)

	err := handler.Fetch(context.Background(), request, sink)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, sink.Bytes()))

	capability, known := handler.GetCapability(request.URL)
	assert.True(t, known)
	assert.Equal(t, "ignored", capability)

	// later fetches use a single GET
	sink = io.NewMemorySink(0)
	err = handler.Fetch(context.Background(), newTestRequest(server.URL), sink)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, sink.Bytes()))
}

func testRangeHandlerInconsistent(t *testing.T) {
	data := makeTestData(200 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			http.ServeContent(w, r, "a.png", time.Time{}, bytes.NewReader(data))
			return
		}

		// the resource changed between the first and later segments
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 32768-99999/%d", len(data)+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[32768:100000])
	}))
	defer server.Close()

	handler := NewRangeHandler(nil, 32*1024, 4)
	request := newTestRequest(server.URL)

	err := handler.Fetch(context.Background(), request, io.NewMemorySink(0))
	assert.True(t, commons.IsRangeInconsistencyError(err))

	capability, known := handler.GetCapability(request.URL)
	assert.True(t, known)
	assert.Equal(t, "inconsistent", capability)
}
