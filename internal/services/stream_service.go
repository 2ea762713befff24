package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/damacus/drive-index/internal/metrics"
	"github.com/damacus/drive-index/internal/models"
	"go.uber.org/zap"
)

const (
	defaultChunkSize    = 5 << 20
	defaultChunkTimeout = 60 * time.Second
	relayBufferSize     = 32 << 10
)

// errUpstreamStalled is the cause recorded when one upstream request or
// read outlives the chunk timeout.
var errUpstreamStalled = fmt.Errorf("upstream stalled: %w", context.DeadlineExceeded)

// StreamConfig bounds the proxy.
type StreamConfig struct {
	// ChunkSize caps each proxied window unless the caller asks for the
	// whole object.
	ChunkSize int64
	// HardCap rejects larger objects outright; 0 disables it.
	HardCap int64
	// ChunkTimeout bounds opening the upstream window and each read from
	// it. Time spent writing to the client does not count.
	ChunkTimeout time.Duration
}

// StreamRequest describes one proxied read.
type StreamRequest struct {
	ObjectID    string
	RangeHeader string
	// LoadFull serves everything from the range start to the end.
	LoadFull bool
	// SizeLimit redirects larger objects to the store's own link when it
	// has one; 0 disables it.
	SizeLimit int64
}

// Stream is a ready response. Either Redirect is set, or Body must be
// relayed and closed.
type Stream struct {
	Status      int
	Range       models.StreamRange
	HasRange    bool
	ContentType string
	Name        string
	Size        int64
	Redirect    string
	Body        io.ReadCloser
}

// StreamService proxies object bytes from the store in bounded windows.
type StreamService struct {
	store  ObjectStore
	cfg    StreamConfig
	logger *zap.Logger
}

func NewStreamService(store ObjectStore, cfg StreamConfig, logger *zap.Logger) *StreamService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = defaultChunkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamService{store: store, cfg: cfg, logger: logger}
}

// Open fetches metadata, applies size policy and opens the upstream window.
func (s *StreamService) Open(ctx context.Context, req StreamRequest) (*Stream, error) {
	obj, err := s.store.GetByID(ctx, req.ObjectID)
	if err != nil {
		return nil, classifyStoreError("metadata", err)
	}
	if obj.IsFolder() {
		return nil, newError(ErrBadRequest, "NOT_A_FILE", "folders cannot be downloaded", "")
	}

	contentType := obj.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	st := &Stream{ContentType: contentType, Name: obj.Name, Size: obj.Size}

	if req.SizeLimit > 0 && obj.Size > req.SizeLimit && obj.ContentURL != "" {
		metrics.RecordStreamResponse("redirect")
		st.Status = http.StatusFound
		st.Redirect = obj.ContentURL
		return st, nil
	}
	if s.cfg.HardCap > 0 && obj.Size > s.cfg.HardCap {
		return nil, newError(ErrPayloadTooLarge, "PAYLOAD_TOO_LARGE", "object exceeds the streaming limit",
			fmt.Sprintf("%d > %d bytes", obj.Size, s.cfg.HardCap))
	}

	if obj.Size == 0 {
		if req.RangeHeader != "" {
			if _, _, err := parseRange(req.RangeHeader); err != nil {
				return nil, err
			}
		}
		metrics.RecordStreamResponse("empty")
		st.Status = http.StatusOK
		st.Body = io.NopCloser(strings.NewReader(""))
		return st, nil
	}

	window, err := ComputeWindow(req.RangeHeader, obj.Size, s.cfg.ChunkSize, req.LoadFull)
	if err != nil {
		return nil, err
	}
	st.Range = window
	st.HasRange = true
	st.Status = http.StatusPartialContent
	if req.RangeHeader == "" && window.Covers() {
		st.Status = http.StatusOK
	}

	chunkCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(s.cfg.ChunkTimeout, func() { cancel(errUpstreamStalled) })
	rc, err := s.store.GetMedia(chunkCtx, obj.ID, &ByteRange{Start: window.Start, End: window.End})
	timer.Stop()
	if err != nil {
		cancel(nil)
		if errors.Is(context.Cause(chunkCtx), errUpstreamStalled) {
			err = fmt.Errorf("%w: %w", err, errUpstreamStalled)
		}
		return nil, classifyStoreError("media", err)
	}
	st.Body = &chunkBody{
		ReadCloser: rc,
		ctx:        chunkCtx,
		cancel:     cancel,
		timer:      timer,
		timeout:    s.cfg.ChunkTimeout,
	}

	if st.Status == http.StatusOK {
		metrics.RecordStreamResponse("full")
	} else {
		metrics.RecordStreamResponse("partial")
	}
	s.logger.Debug("streaming window",
		zap.String("object_id", obj.ID),
		zap.String("content_range", window.ContentRange()),
	)
	return st, nil
}

// Relay copies the stream body to w and closes it. Fewer bytes than the
// window promised is an error, so callers can abort instead of completing
// a truncated response.
func (s *StreamService) Relay(w io.Writer, st *Stream) (int64, error) {
	defer st.Body.Close()

	buf := make([]byte, relayBufferSize)
	n, err := io.CopyBuffer(w, st.Body, buf)
	metrics.RecordStreamBytes(n)
	if err != nil {
		metrics.RecordStreamResponse("aborted")
		return n, fmt.Errorf("relaying %s: %w", st.Name, err)
	}
	if st.HasRange && n != st.Range.Length() {
		metrics.RecordStreamResponse("aborted")
		return n, fmt.Errorf("relaying %s: got %d of %d bytes: %w", st.Name, n, st.Range.Length(), io.ErrUnexpectedEOF)
	}
	return n, nil
}

// chunkBody arms the chunk timeout around each upstream read, so a slow
// client never trips it but a stalled store does.
type chunkBody struct {
	io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), errUpstreamStalled) {
		return n, errUpstreamStalled
	}
	return n, err
}

func (b *chunkBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}

// ComputeWindow turns a Range header into the window this response serves.
// Without LoadFull the window is capped at chunk bytes.
func ComputeWindow(header string, size, chunk int64, full bool) (models.StreamRange, error) {
	start, end, err := parseRange(header)
	if err != nil {
		return models.StreamRange{}, err
	}

	// suffix form: the last -start bytes
	if start < 0 {
		start = size + start
		if start < 0 {
			start = 0
		}
		end = size - 1
	}
	if start >= size {
		return models.StreamRange{}, &IndexError{
			Err:     ErrRangeNotSatisfiable,
			Code:    "RANGE_NOT_SATISFIABLE",
			Message: "range starts beyond the end of the object",
			Reason:  fmt.Sprintf("bytes */%d", size),
		}
	}

	last := size - 1
	if !full {
		if end < 0 || end > start+chunk-1 {
			end = start + chunk - 1
		}
	} else {
		end = last
	}
	if end > last {
		end = last
	}
	return models.StreamRange{Start: start, End: end, TotalSize: size}, nil
}

// parseRange reads "bytes=S-", "bytes=S-E" or "bytes=-N". An empty header
// is "bytes=0-". end is -1 when open. A suffix range returns start = -N.
func parseRange(header string) (start, end int64, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, -1, nil
	}

	bad := func(reason string) (int64, int64, error) {
		return 0, 0, newError(ErrBadRequest, "INVALID_RANGE", "malformed Range header", reason)
	}

	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return bad("unsupported unit")
	}
	if strings.Contains(set, ",") {
		return bad("multiple ranges are not supported")
	}
	first, second, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return bad("missing '-'")
	}

	if first == "" {
		n, err := strconv.ParseInt(second, 10, 64)
		if err != nil || n <= 0 {
			return bad("invalid suffix length")
		}
		return -n, -1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return bad("invalid start")
	}
	if second == "" {
		return start, -1, nil
	}
	end, err = strconv.ParseInt(second, 10, 64)
	if err != nil || end < start {
		return bad("invalid end")
	}
	return start, end, nil
}
