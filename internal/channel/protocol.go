// Package channel carries bridge commands and tap pushes over a
// newline-delimited JSON stream (unix socket, TCP or stdio).
//
// Every line is one frame. The application sends calls addressed to a named
// channel and receives exactly one reply per call id. The bridge pushes
// onNotificationTap frames to every attached session.
package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"notifybridge/internal/bridge"
)

const (
	DefaultName   = "notifybridge/notifications"
	DefaultListen = "stdio"

	MethodTap = "onNotificationTap"

	StatusSuccess        = "success"
	StatusError          = "error"
	StatusNotImplemented = "notImplemented"

	CodeMalformed     = "MALFORMED_MESSAGE"
	CodeFrameTooLarge = "FRAME_TOO_LARGE"

	// DefaultMaxFrame bounds one line. Longer lines are discarded and
	// answered with CodeFrameTooLarge; the session stays open.
	DefaultMaxFrame = 16 << 20
)

// errFrameTooLarge is returned by lineReader.next after it skipped the rest
// of an oversized line.
var errFrameTooLarge = errors.New("frame too large")

// lineReader splits a stream into newline-terminated frames of at most max
// bytes.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next line without its terminator. The slice is valid
// until the following call. A final line without newline is returned before
// io.EOF.
func (lr *lineReader) next() ([]byte, error) {
	lr.buf = lr.buf[:0]
	tooLarge := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLarge {
			if len(lr.buf)+len(chunk) > lr.max+1 {
				tooLarge = true
				lr.buf = lr.buf[:0]
			} else {
				lr.buf = append(lr.buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLarge {
				return nil, errFrameTooLarge
			}
			return trimEOL(lr.buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLarge {
				return nil, errFrameTooLarge
			}
			if len(lr.buf) > 0 && errors.Is(err, io.EOF) {
				return trimEOL(lr.buf), nil
			}
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

var nullResult = json.RawMessage("null")

// frame is the union of calls, replies and pushes on the wire.
type frame struct {
	ID      int64            `json:"id,omitempty"`
	Channel string           `json:"channel,omitempty"`
	Method  string           `json:"method,omitempty"`
	Args    json.RawMessage  `json:"args,omitempty"`
	Status  string           `json:"status,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *bridge.Error    `json:"error,omitempty"`
}

func (f frame) isPush() bool { return f.Status == "" && f.Method != "" && f.ID == 0 }

// TapArgs is the argument object of an onNotificationTap push.
type TapArgs struct {
	Payload *string `json:"payload,omitempty"`
	Action  string  `json:"action,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// replyFrame converts a router Result into its wire form.
func replyFrame(id int64, res bridge.Result) frame {
	switch res.Outcome {
	case bridge.OutcomeSuccess:
		raw := nullResult
		if res.Value != nil {
			if b, err := json.Marshal(res.Value); err == nil {
				raw = b
			}
		}
		return frame{ID: id, Status: StatusSuccess, Result: &raw}
	case bridge.OutcomeError:
		return frame{ID: id, Status: StatusError, Error: res.Err}
	default:
		return frame{ID: id, Status: StatusNotImplemented}
	}
}

// resultFromFrame is the inverse of replyFrame, used by the client.
func resultFromFrame(f frame) (bridge.Result, error) {
	switch f.Status {
	case StatusSuccess:
		var v any
		if f.Result != nil {
			if err := json.Unmarshal(*f.Result, &v); err != nil {
				return bridge.Result{}, fmt.Errorf("channel: decode result: %w", err)
			}
		}
		return bridge.Success(v), nil
	case StatusError:
		e := f.Error
		if e == nil {
			e = &bridge.Error{Code: "UNKNOWN"}
		}
		return bridge.Failure(e), nil
	case StatusNotImplemented:
		return bridge.NotImplemented(), nil
	default:
		return bridge.Result{}, fmt.Errorf("channel: unknown reply status %q", f.Status)
	}
}

func tooLarge(max int) frame {
	return frame{Status: StatusError, Error: &bridge.Error{
		Code:    CodeFrameTooLarge,
		Message: fmt.Sprintf("frame exceeds %d bytes", max),
	}}
}

func malformed(id int64, err error) frame {
	return frame{ID: id, Status: StatusError, Error: &bridge.Error{Code: CodeMalformed, Message: err.Error()}}
}

// decodeCall parses one call line. A decode error still returns the id when
// it could be read, so the reply can be correlated.
func decodeCall(line []byte) (frame, map[string]any, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return f, nil, fmt.Errorf("invalid json: %w", err)
	}
	if f.Method == "" {
		return f, nil, errors.New("method is required")
	}
	var args map[string]any
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &args); err != nil {
			return f, nil, fmt.Errorf("args must be an object: %w", err)
		}
	}
	return f, args, nil
}

// Address is a parsed listen or dial target.
type Address struct {
	Network string // "unix", "tcp" or "stdio"
	Addr    string
}

func (a Address) String() string {
	if a.Network == "stdio" {
		return "stdio"
	}
	return a.Network + ":" + a.Addr
}

// ParseAddress accepts "stdio", "unix:/path", "tcp:host:port", a bare
// absolute path (unix) or a bare host:port (tcp).
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "stdio" || s == "-":
		return Address{Network: "stdio"}, nil
	case strings.HasPrefix(s, "unix:"):
		p := strings.TrimPrefix(s, "unix:")
		if p == "" {
			return Address{}, errors.New("channel: empty unix socket path")
		}
		return Address{Network: "unix", Addr: p}, nil
	case strings.HasPrefix(s, "tcp:"):
		return Address{Network: "tcp", Addr: strings.TrimPrefix(s, "tcp:")}, nil
	case strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./"):
		return Address{Network: "unix", Addr: s}, nil
	case strings.Contains(s, ":"):
		return Address{Network: "tcp", Addr: s}, nil
	default:
		return Address{}, fmt.Errorf("channel: unsupported address %q", s)
	}
}
