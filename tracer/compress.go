package tracer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingIdentity = ""
	encodingZstd     = "zstd"
	encodingSnappy   = "snappy"
)

// encoder and decoder are safe for concurrent EncodeAll / DecodeAll use
var zstdCodec = sync.OnceValues(func() (*zstd.Encoder, *zstd.Decoder) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err) // theoretically not possible
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return encoder, decoder
})

// ZstdCompress appends the zstd compressed form of data to dst.
func ZstdCompress(dst, data []byte) []byte {
	encoder, _ := zstdCodec()
	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress appends the decompressed form of zstd data to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	_, decoder := zstdCodec()
	return decoder.DecodeAll(data, dst)
}

// negotiateEncoding picks the response compression from an Accept-Encoding header, preferring zstd.
func negotiateEncoding(acceptEncoding string) string {
	var snappyOK bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(name) {
		case encodingZstd:
			return encodingZstd
		case encodingSnappy:
			snappyOK = true
		}
	}
	if snappyOK {
		return encodingSnappy
	}
	return encodingIdentity
}

func compressBody(encoding string, data []byte) []byte {
	switch encoding {
	case encodingZstd:
		return ZstdCompress(nil, data)
	case encodingSnappy:
		return s2.EncodeSnappyBetter(nil, data)
	default:
		return data
	}
}

func decompressBody(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case encodingIdentity, "identity":
		return data, nil
	case encodingZstd:
		return ZstdDecompress(nil, data)
	case encodingSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}
