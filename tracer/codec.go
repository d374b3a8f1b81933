package tracer

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"
)

// negotiateContentType picks msgpack when the Accept header lists it, otherwise JSON.
func negotiateContentType(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && (mediaType == contentTypeMsgpack || mediaType == "application/x-msgpack") {
			return contentTypeMsgpack
		}
	}
	return contentTypeJSON
}

func encodeBody(contentType string, v any) ([]byte, error) {
	if contentType != contentTypeMsgpack {
		return json.Marshal(v)
	}
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBody(contentType string, data []byte, v any) error {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == contentTypeMsgpack || mediaType == "application/x-msgpack" {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
