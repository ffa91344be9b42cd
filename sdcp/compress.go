package sdcp

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/varatra/sdcp/sdcp/wire"
)

var errDecompressionFailed = errors.New("sdcp: decompression failed")

// lz4Writers and lz4Readers reuse LZ4 state to keep the per-datagram
// allocation cost down on busy channels.
var lz4Writers = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var lz4Readers = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// maybeCompress LZ4-compresses payload when the endpoint is configured
// for it and compression actually wins. It returns the bytes to seal and
// the sealed-header flags. Delivery stays byte-for-byte: the receiver
// decompresses after authentication.
func maybeCompress(payload []byte, threshold int) ([]byte, uint8) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, 0
	}

	var buf bytes.Buffer
	w := lz4Writers.Get().(*lz4.Writer)
	defer lz4Writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(payload); err != nil {
		return payload, 0
	}
	if err := w.Close(); err != nil {
		return payload, 0
	}
	if buf.Len() >= len(payload) {
		// Compression not beneficial
		return payload, 0
	}
	return buf.Bytes(), wire.FlagCompressed
}

// decompress expands an LZ4-flagged plaintext, bounding the output at
// the maximum datagram size so a hostile payload cannot balloon.
func decompress(data []byte) ([]byte, error) {
	r := lz4Readers.Get().(*lz4.Reader)
	defer lz4Readers.Put(r)
	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, wire.MaxDatagramSize+1))
	if err != nil || n > wire.MaxDatagramSize {
		return nil, errDecompressionFailed
	}
	return buf.Bytes(), nil
}
