package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

const DefaultMaxMessageSize = 8 << 20

// Response is the frame every handler writes back: either an error or a signed body.
type Response struct {
	Error *WireError      `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	reader := msgio.NewVarintReaderSize(r, maxSize)
	msg, err := reader.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrEncoding, maxSize)
		}
		return nil, err
	}
	out := append([]byte(nil), msg...)
	reader.ReleaseMsg(msg)
	return out, nil
}

func WriteFrame(w io.Writer, data []byte) error {
	return msgio.NewVarintWriter(w).WriteMsg(data)
}

func EncodeRequest(msg Signed) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return raw, nil
}

func DecodeRequest(kind Kind, raw []byte) (Signed, error) {
	msg, ok := NewRequest(kind)
	if !ok {
		return nil, ErrUnsupportedProtocol
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return msg, nil
}

func EncodeResponse(body Signed, respErr error) ([]byte, error) {
	var resp Response
	if respErr != nil {
		resp.Error = NewWireError(respErr)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		resp.Body = raw
	}
	return json.Marshal(resp)
}

// DecodeResponse returns the typed body for kind, or the taxonomy error carried in the
// frame.
func DecodeResponse(kind Kind, raw []byte) (Signed, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	body, ok := NewResponse(kind)
	if !ok {
		return nil, ErrUnsupportedProtocol
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrEncoding)
	}
	if err := json.Unmarshal(resp.Body, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return body, nil
}
