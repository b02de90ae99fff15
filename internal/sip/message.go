// Package sip models the subset of SIP (RFC 3261) a registration-less
// WebSocket user agent needs: request/response messages, name-addr headers,
// URIs and digest credentials.
package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const Version = "SIP/2.0"

// Methods used by the user agent.
const (
	INVITE  = "INVITE"
	ACK     = "ACK"
	BYE     = "BYE"
	CANCEL  = "CANCEL"
	MESSAGE = "MESSAGE"
	INFO    = "INFO"
	OPTIONS = "OPTIONS"
)

// Header is a single header field. Order of fields is preserved on the wire.
type Header struct {
	Name  string
	Value string
}

// Message is either a request (Method set) or a response (StatusCode set).
type Message struct {
	Method     string
	RequestURI string

	StatusCode int
	Reason     string

	Headers []Header
	Body    []byte
}

// NewRequest returns a request with no headers.
func NewRequest(method, requestURI string) *Message {
	return &Message{Method: method, RequestURI: requestURI}
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func (m *Message) IsResponse() bool {
	return m.StatusCode != 0
}

// Get returns the first value of the named header.
func (m *Message) Get(name string) string {
	name = canonicalName(name)
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of the named header, splitting comma-joined
// lists for headers that allow them.
func (m *Message) Values(name string) []string {
	name = canonicalName(name)
	var out []string
	for _, h := range m.Headers {
		if h.Name != name {
			continue
		}
		if listHeaders[name] {
			out = append(out, splitList(h.Value)...)
		} else {
			out = append(out, h.Value)
		}
	}
	return out
}

// Add appends a header; compact names are expanded.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: canonicalName(name), Value: value})
}

// Set replaces every value of the named header with value.
func (m *Message) Set(name, value string) {
	m.Del(name)
	m.Add(name, value)
}

func (m *Message) Del(name string) {
	name = canonicalName(name)
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if h.Name != name {
			kept = append(kept, h)
		}
	}
	m.Headers = kept
}

func (m *Message) CallID() string {
	return m.Get("Call-ID")
}

// CSeq returns the sequence number and method of the CSeq header.
func (m *Message) CSeq() (uint32, string, error) {
	fields := strings.Fields(m.Get("CSeq"))
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("sip: malformed CSeq %q", m.Get("CSeq"))
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("sip: malformed CSeq number: %w", err)
	}
	return uint32(n), strings.ToUpper(fields[1]), nil
}

// ContentType returns the media type of the body without parameters.
func (m *Message) ContentType() string {
	ct := m.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// SetBody sets the body and, when contentType is not empty, Content-Type.
func (m *Message) SetBody(contentType string, body []byte) {
	m.Body = body
	if contentType != "" {
		m.Set("Content-Type", contentType)
	}
}

// Bytes serializes the message. Content-Length always reflects Body.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	if m.IsRequest() {
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.RequestURI, Version)
	} else {
		fmt.Fprintf(&b, "%s %d %s\r\n", Version, m.StatusCode, m.Reason)
	}
	for _, h := range m.Headers {
		if h.Name == "Content-Length" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(m.Body))
	b.Write(m.Body)
	return b.Bytes()
}

func (m *Message) String() string {
	return string(m.Bytes())
}

// NewResponse builds a response to req copying the headers RFC 3261 §8.2.6
// requires. toTag is added to To when the request carried none.
func NewResponse(req *Message, code int, reason, toTag string) *Message {
	if reason == "" {
		reason = StatusText(code)
	}
	res := &Message{StatusCode: code, Reason: reason}
	for _, v := range req.Values("Via") {
		res.Add("Via", v)
	}
	res.Add("From", req.Get("From"))
	to := req.Get("To")
	if toTag != "" && code > 100 {
		if addr, err := ParseAddress(to); err == nil && addr.Tag() == "" {
			addr.Params["tag"] = toTag
			to = addr.String()
		}
	}
	res.Add("To", to)
	res.Add("Call-ID", req.CallID())
	res.Add("CSeq", req.Get("CSeq"))
	return res
}

var reasons = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	415: "Unsupported Media Type",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	603: "Decline",
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "Unknown"
}

var compactNames = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
	"k": "Supported",
	"s": "Subject",
	"e": "Content-Encoding",
}

var specialNames = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"www-authenticate": "WWW-Authenticate",
	"mime-version":     "MIME-Version",
}

var listHeaders = map[string]bool{
	"Via":          true,
	"Route":        true,
	"Record-Route": true,
	"Allow":        true,
	"Supported":    true,
}

func canonicalName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if full, ok := compactNames[lower]; ok {
		return full
	}
	if full, ok := specialNames[lower]; ok {
		return full
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// splitList splits a comma separated header value, ignoring commas inside
// quotes or angle brackets.
func splitList(v string) []string {
	var (
		out     []string
		start   int
		quoted  bool
		bracket bool
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				bracket = true
			}
		case '>':
			if !quoted {
				bracket = false
			}
		case ',':
			if !quoted && !bracket {
				out = append(out, strings.TrimSpace(v[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(v[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
