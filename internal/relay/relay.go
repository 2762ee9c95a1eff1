// Package relay implements the streaming pairing engine: given a source
// connection holding a body and a destination connection whose response
// receives it, it copies headers, pumps the body chunk-by-chunk under a
// buffer-size policy, and reports how the leg ended so the caller can
// drive the Interaction's state machine.
package relay

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/relayerr"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// BufferSizeTable maps an upper content-length bound to the chunk size used
// below it. The zero value of the table (no entries) behaves as the
// default {∞: 4096}.
type BufferSizeTable map[int64]int

// DefaultBufferSize is used when the table is empty or no bound matches.
const DefaultBufferSize = 4096

// ChunkSize picks the value whose key is the smallest upper bound strictly
// greater than contentLength, defaulting to DefaultBufferSize.
func (t BufferSizeTable) ChunkSize(contentLength int64) int {
	if len(t) == 0 {
		return DefaultBufferSize
	}
	bounds := make([]int64, 0, len(t))
	for b := range t {
		bounds = append(bounds, b)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })
	for _, b := range bounds {
		if contentLength < b {
			return t[b]
		}
	}
	return DefaultBufferSize
}

// Options configures one Pump call.
type Options struct {
	// RequestID is stamped onto the destination's X-IWP-RequestId header
	// if the source's headers did not already carry one.
	RequestID string
	// SourceFinish, when true, means the source's own request is also
	// finished once the copy completes (the agentreply second leg).
	SourceFinish bool
	BufferSizes  BufferSizeTable
}

// Result reports how a Pump call ended.
type Result struct {
	BytesCopied    int64
	DestFinished   bool
	SourceFinished bool
}

// Pump copies source's request body onto destination's response, applying
// the header-copy and buffer-size rules for chunk sizing. It returns
// relayerr.ErrStreamClosed if the destination (or source) closes mid-copy.
func Pump(src, dst *streamio.Conn, opts Options) (Result, error) {
	if err := copyHeaders(src.Request(), dst.ResponseWriter(), opts.RequestID); err != nil {
		return Result{}, err
	}

	contentLength := src.Request().ContentLength
	chunkSize := opts.BufferSizes.ChunkSize(contentLength)
	if chunkSize > streamio.MaxBufferSize {
		chunkSize = streamio.MaxBufferSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultBufferSize
	}

	var copied int64
	flushed := false
	for {
		chunk, err := src.ReadChunk(chunkSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return Result{BytesCopied: copied}, relayerr.Wrap(relayerr.ErrStreamClosed, "source read: %v", err)
		}
		// Flush headers before any body byte. Waiting for the first read
		// leaves the destination's status uncommitted when the source fails
		// on that read, so the caller can still answer with an error status.
		if !flushed {
			if werr := dst.WriteChunk(nil); werr != nil {
				return Result{}, relayerr.Wrap(relayerr.ErrStreamClosed, "flush destination headers")
			}
			flushed = true
		}
		if len(chunk) > 0 {
			if werr := dst.WriteChunk(chunk); werr != nil {
				return Result{BytesCopied: copied}, relayerr.Wrap(relayerr.ErrStreamClosed, "destination write")
			}
			copied += int64(len(chunk))
		}
		if err != nil {
			break
		}
	}

	res := Result{BytesCopied: copied}
	if opts.SourceFinish {
		src.Close()
		dst.Close()
		res.SourceFinished = true
		res.DestFinished = true
	} else {
		dst.Close()
		res.DestFinished = true
	}
	return res, nil
}

func copyHeaders(src *http.Request, dstHeader http.ResponseWriter, requestID string) error {
	h := dstHeader.Header()
	for name, values := range src.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	if h.Get(idheaders.HeaderRequestID) == "" && requestID != "" {
		h.Set(idheaders.HeaderRequestID, requestID)
	}
	if code := h.Get(idheaders.HeaderResponsecode); code != "" {
		status, err := strconv.Atoi(code)
		if err != nil {
			return relayerr.Wrap(relayerr.ErrMalformedRequest, "invalid %s: %q", idheaders.HeaderResponsecode, code)
		}
		dstHeader.WriteHeader(status)
	}
	return nil
}
