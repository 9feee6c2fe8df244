package fetch

import (
	"context"
	"fmt"
	goio "io"
	"net/http"
	"net/url"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	"github.com/cyverse/imageloader/utils"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

type rangeCapability string

const (
	rangeCapabilityIgnored      rangeCapability = "ignored"
	rangeCapabilityInconsistent rangeCapability = "inconsistent"
)

// RangeHandler fetches a resource in parallel segments with http range requests.
// Hosts that ignore ranges or answer them inconsistently are served by a single GET for a while.
type RangeHandler struct {
	single       *HTTPHandler
	blockHelper  *utils.FileBlockHelper
	maxBlockNum  int
	capabilities *gocache.Cache // host -> rangeCapability
}

// NewRangeHandler creates RangeHandler
func NewRangeHandler(headers map[string]string, minBlockSize int64, maxBlockNum int) *RangeHandler {
	if minBlockSize <= 0 {
		minBlockSize = commons.MultiRangeMinBlockSizeDefault
	}

	if maxBlockNum <= 0 {
		maxBlockNum = commons.MultiRangeMaxBlockNumDefault
	}

	return &RangeHandler{
		single:       NewHTTPHandler(headers),
		blockHelper:  utils.NewFileBlockHelper(minBlockSize),
		maxBlockNum:  maxBlockNum,
		capabilities: gocache.New(commons.RangeCapabilityCacheTimeout, commons.RangeCapabilityCacheCleanupTime),
	}
}

func getHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Host
}

// GetCapability returns the remembered range capability of the host of the url
func (handler *RangeHandler) GetCapability(rawURL string) (string, bool) {
	capability, ok := handler.capabilities.Get(getHost(rawURL))
	if !ok {
		return "", false
	}
	return string(capability.(rangeCapability)), true
}

func (handler *RangeHandler) remember(rawURL string, capability rangeCapability) {
	handler.capabilities.Set(getHost(rawURL), capability, gocache.DefaultExpiration)
}

type segment struct {
	byteRange utils.ByteRange
	resp      *http.Response
}

func (handler *RangeHandler) requestRange(ctx context.Context, client *http.Client, rawURL string, byteRange utils.ByteRange) (*http.Response, error) {
	req, err := handler.single.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Range", byteRange.ToHeader())

	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("failed to get %q (%s): %w", rawURL, byteRange.ToHeader(), err)
	}

	err = checkStatus(rawURL, resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// Fetch requests the first block, then fetches the rest in parallel
func (handler *RangeHandler) Fetch(ctx context.Context, request *Request, sink io.Sink) error {
	logger := log.WithFields(log.Fields{
		"package":  "fetch",
		"struct":   "RangeHandler",
		"function": "Fetch",
	})

	if capability, ok := handler.GetCapability(request.URL); ok {
		logger.Debugf("Host of %q has range capability %q, using single GET", request.URL, capability)
		return handler.single.Fetch(ctx, request, sink)
	}

	client := handler.single.clients.get(request.ConnectTimeout, request.ReadTimeout)

	first := handler.blockHelper.GetFirstBlock()
	resp, err := handler.requestRange(ctx, client, request.URL, first)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()

		handler.remember(request.URL, rangeCapabilityIgnored)
		return streamBody(ctx, request, resp, sink)
	}

	firstRange, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || firstRange.Start != 0 {
		resp.Body.Close()
		handler.remember(request.URL, rangeCapabilityInconsistent)
		return commons.NewRangeInconsistencyError(request.URL, first.ToHeader(), resp.Header.Get("Content-Range"))
	}

	if firstRange.Total < 0 {
		// partial content of unknown length, cannot plan segments
		resp.Body.Close()
		handler.remember(request.URL, rangeCapabilityIgnored)
		return handler.single.Fetch(ctx, request, sink)
	}

	total := firstRange.Total
	if request.DataLengthLimit > 0 && total > request.DataLengthLimit {
		resp.Body.Close()
		return commons.NewDataLengthExceededError(total, request.DataLengthLimit)
	}

	err = sink.SetLength(total)
	if err != nil {
		resp.Body.Close()
		return err
	}

	segments := []*segment{
		{
			byteRange: utils.ByteRange{Start: 0, End: firstRange.End},
			resp:      resp,
		},
	}

	closeAll := func() {
		for _, seg := range segments {
			seg.resp.Body.Close()
		}
	}

	restBlockNum := handler.maxBlockNum - 1
	if restBlockNum < 1 {
		restBlockNum = 1
	}

	for _, byteRange := range handler.blockHelper.SplitRemaining(firstRange.End+1, total, restBlockNum) {
		segResp, err := handler.requestRange(ctx, client, request.URL, byteRange)
		if err != nil {
			closeAll()
			return err
		}

		segments = append(segments, &segment{
			byteRange: byteRange,
			resp:      segResp,
		})

		err = handler.verifySegment(request.URL, byteRange, total, segResp)
		if err != nil {
			closeAll()
			handler.remember(request.URL, rangeCapabilityInconsistent)
			return err
		}
	}

	logger.Debugf("Fetching %q in %d segments, %d bytes", request.URL, len(segments), total)

	group, groupCtx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(groupCtx, closeAll)
	defer stop()
	defer closeAll()

	for _, seg := range segments {
		seg := seg
		group.Go(func() error {
			return copySegment(groupCtx, request, seg, sink)
		})
	}

	err = group.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (handler *RangeHandler) verifySegment(rawURL string, byteRange utils.ByteRange, total int64, resp *http.Response) error {
	expected := contentRange{
		Start: byteRange.Start,
		End:   byteRange.End,
		Total: total,
	}

	if resp.StatusCode != http.StatusPartialContent {
		return commons.NewRangeInconsistencyError(rawURL, expected.String(), fmt.Sprintf("status %d", resp.StatusCode))
	}

	actual, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || actual != expected {
		return commons.NewRangeInconsistencyError(rawURL, expected.String(), resp.Header.Get("Content-Range"))
	}
	return nil
}

func copySegment(ctx context.Context, request *Request, seg *segment, sink io.Sink) error {
	body := newIdleTimeoutReader(seg.resp.Body, request.ReadTimeout)
	defer body.Close()

	buffer := make([]byte, copyBufferSize)
	offset := seg.byteRange.Start
	end := seg.byteRange.End + 1

	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if offset+int64(n) > end {
				return commons.NewRangeInconsistencyError(request.URL, seg.byteRange.ToHeader(), fmt.Sprintf("more than %d bytes", seg.byteRange.Length()))
			}

			_, err := sink.WriteAt(buffer[:n], offset)
			if err != nil {
				return err
			}
			offset += int64(n)
		}

		if readErr == goio.EOF {
			break
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("failed to read segment %s of %q: %w", seg.byteRange.ToHeader(), request.URL, readErr)
		}
	}

	if offset != end {
		return xerrors.Errorf("short segment %s of %q, got %d bytes: %w", seg.byteRange.ToHeader(), request.URL, offset-seg.byteRange.Start, goio.ErrUnexpectedEOF)
	}
	return nil
}
