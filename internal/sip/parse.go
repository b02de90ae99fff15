package sip

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	sipgo "github.com/emiago/sipgo/sip"
)

var ErrMalformed = errors.New("sip: malformed message")

// Parse decodes one complete message as carried in a WebSocket frame
// (RFC 7118: exactly one message per frame). The header section goes
// through the sipgo parser; the body is framed by Content-Length here.
func Parse(data []byte) (*Message, error) {
	head, body, found := bytes.Cut(data, []byte("\r\n\r\n"))
	if !found {
		head, body, found = bytes.Cut(data, []byte("\n\n"))
		if !found {
			return nil, fmt.Errorf("%w: missing header terminator", ErrMalformed)
		}
		head = bytes.ReplaceAll(head, []byte("\n"), []byte("\r\n"))
	}

	parsed, err := sipgo.NewParser().ParseSIP(append(head[:len(head):len(head)], "\r\n\r\n"...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg     *Message
		headers []sipgo.Header
	)
	switch m := parsed.(type) {
	case *sipgo.Request:
		msg = &Message{Method: string(m.Method), RequestURI: m.Recipient.String()}
		headers = m.Headers()
	case *sipgo.Response:
		msg = &Message{StatusCode: int(m.StatusCode), Reason: m.Reason}
		headers = m.Headers()
	default:
		return nil, fmt.Errorf("%w: unexpected message %T", ErrMalformed, parsed)
	}
	if msg.IsResponse() && (msg.StatusCode < 100 || msg.StatusCode > 699) {
		return nil, fmt.Errorf("%w: status %d", ErrMalformed, msg.StatusCode)
	}
	for _, h := range headers {
		msg.Add(h.Name(), h.Value())
	}

	if cl := msg.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: Content-Length %q", ErrMalformed, cl)
		}
		if n > len(body) {
			return nil, fmt.Errorf("%w: body shorter than Content-Length", ErrMalformed)
		}
		body = body[:n]
	}
	if len(body) > 0 {
		msg.Body = append([]byte(nil), body...)
	}

	for _, required := range []string{"Call-ID", "CSeq", "From", "To"} {
		if msg.Get(required) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformed, required)
		}
	}
	if _, _, err := msg.CSeq(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return msg, nil
}
