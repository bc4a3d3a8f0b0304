package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("wire: invalid request")
	ErrMalformed      = errors.New("wire: malformed message")
)

var nullLiteral = []byte("null")

// Request is one client->server call. Params marshals as an empty JSON
// array when nil so every request line carries all three members.
type Request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

func NewRequest(id int64, method string, params []any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{Method: method, Params: params, ID: id}
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	return nil
}

// Message is one decoded server->client line. A nil ID marks a
// notification; Result and Error stay raw so callers decide decoding.
type Message struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (m Message) IsNotification() bool {
	return m.ID == nil
}

// Failed reports whether the server attached a non-null error member.
func (m Message) Failed() bool {
	trimmed := bytes.TrimSpace(m.Error)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, nullLiteral)
}

// DecodeMessage parses one received line. Inputs that are not a JSON
// object with well-typed members fail with ErrMalformed.
func DecodeMessage(line []byte) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	if bytes.Equal(trimmed, nullLiteral) {
		return Message{}, fmt.Errorf("%w: null payload", ErrMalformed)
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// EncodeBatch renders requests as newline-terminated JSON lines in
// batch order, ready for a single transport write.
func EncodeBatch(batch []Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, req := range batch {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if req.Params == nil {
			req.Params = []any{}
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s failed: %w", req.Method, err)
		}
		buf.Write(payload)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
