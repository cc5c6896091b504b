package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned when the upstream used a content coding
// the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// SupportedEncodings lists the content codings decodeBody understands, in
// preference order.
var SupportedEncodings = []string{"gzip", "zstd", "deflate"}

// decodeBody reverses the codings listed in a Content-Encoding value. Codings
// are applied in order by the sender, so they are removed last to first.
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	if contentEncoding == "" || len(body) == 0 {
		return body, nil
	}

	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = gunzip(body)
		case "deflate":
			body, err = inflate(body)
		case "zstd":
			body, err = unzstd(body)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", coding, err)
		}
	}
	return body, nil
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// inflate handles "deflate", which RFC 9110 defines as zlib-wrapped but some
// servers send as a raw deflate stream.
func inflate(body []byte) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer func() { _ = r.Close() }()
		if out, err := io.ReadAll(r); err == nil {
			return out, nil
		}
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// zstdDecoder is shared by all responses; DecodeAll is safe for concurrent
// use and runs up to GOMAXPROCS decodes at once.
var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

func unzstd(body []byte) ([]byte, error) {
	d, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return d.DecodeAll(body, nil)
}
