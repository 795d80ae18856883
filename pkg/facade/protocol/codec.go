package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds one frame's JSON payload. Review packets carry full
// evidence snapshots, so the bound is generous.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MB

// Encoder writes length-prefixed protocol frames to an io.Writer. It is
// safe for concurrent use: responses and pushed events share one
// connection.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode frames and writes one message. The frame is a 4-byte big-endian
// payload length followed by the JSON payload.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeHello sends a HELLO message.
func (e *Encoder) EncodeHello(hello *HelloMessage) error {
	return e.Encode(MessageTypeHello, hello)
}

// EncodeRequest sends a REQ message.
func (e *Encoder) EncodeRequest(req *RequestMessage) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return e.Encode(MessageTypeRequest, req)
}

// EncodeResponse sends a RES message.
func (e *Encoder) EncodeResponse(resp *ResponseMessage) error {
	return e.Encode(MessageTypeResponse, resp)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(errMsg *ErrorMessage) error {
	return e.Encode(MessageTypeError, errMsg)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	return e.Encode(MessageTypeEvent, event)
}

// EncodeBye sends a BYE message.
func (e *Encoder) EncodeBye(bye *ByeMessage) error {
	return e.Encode(MessageTypeBye, bye)
}

// Decoder reads length-prefixed protocol frames from an io.Reader.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r: bufio.NewReader(r),
	}
}

// Decode reads the next frame from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeRequest decodes a request message.
func (d *Decoder) DecodeRequest() (*RequestMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type == MessageTypeBye {
		return nil, io.EOF
	}
	if msg.Type != MessageTypeRequest {
		return nil, fmt.Errorf("expected REQ message, got %s", msg.Type)
	}

	var req RequestMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	return &req, nil
}

// ParseParams parses operation parameters into a specific type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
