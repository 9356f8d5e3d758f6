// ============================================================================
// MachaonWeb Worker Transport — JSON grpc codec
// ============================================================================
//
// Package: internal/transport/jobreceiver
// Purpose: Registers a grpc "jobreceiver-json" codec so JobRequest/JobResult/
// UncachedData/etc. travel over real google.golang.org/grpc channels
// (including mTLS transport credentials and streaming) without requiring
// protoc-generated protobuf marshal code, which could not be produced in
// this environment. See DESIGN.md "Worker Transport" for the full rationale.
//
// ============================================================================

package jobreceiver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc wire codec name negotiated by both the client and
// the server for the jobreceiver service.
const CodecName = "jobreceiver-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jobreceiver codec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jobreceiver codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
