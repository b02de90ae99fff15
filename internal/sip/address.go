package sip

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	sipgo "github.com/emiago/sipgo/sip"
)

// Params holds ;key=value parameters. A flag parameter has an empty value.
type Params map[string]string

func (p Params) String() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		if v := p[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

func parseParams(s string) Params {
	p := Params{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		p[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return p
}

// URI is a sip: or sips: URI.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Params Params
}

// ParseURI parses a sip: or sips: URI. URI headers (?...) are dropped.
func ParseURI(s string) (URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	scheme = strings.ToLower(scheme)
	if !ok || (scheme != "sip" && scheme != "sips") {
		return URI{}, fmt.Errorf("sip: %q is not a sip or sips URI", s)
	}

	var parsed sipgo.Uri
	if err := sipgo.ParseUri(s, &parsed); err != nil {
		return URI{}, fmt.Errorf("sip: parse %q: %w", s, err)
	}
	if parsed.Host == "" {
		return URI{}, fmt.Errorf("sip: missing host in %q", s)
	}

	u := URI{
		Scheme: scheme,
		User:   parsed.User,
		Host:   parsed.Host,
		Port:   parsed.Port,
		Params: Params{},
	}
	if strings.Contains(u.Host, ":") && !strings.HasPrefix(u.Host, "[") {
		u.Host = "[" + u.Host + "]"
	}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		u.Params = parseParams(rest[i+1:])
	}
	return u, nil
}

func (u URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(u.Params.String())
	return b.String()
}

// HostPort returns host[:port] as used in digest URIs and Via headers.
func (u URI) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// Address is a name-addr as used in From, To, Contact and Route.
type Address struct {
	Display string
	URI     URI
	Params  Params
}

// ParseAddress parses a name-addr or addr-spec header value.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	var a Address

	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return Address{}, fmt.Errorf("sip: unterminated name-addr %q", s)
		}
		gt += lt
		a.Display = strings.Trim(strings.TrimSpace(s[:lt]), `"`)
		uri, err := ParseURI(s[lt+1 : gt])
		if err != nil {
			return Address{}, err
		}
		a.URI = uri
		a.Params = parseParams(s[gt+1:])
		return a, nil
	}

	// addr-spec form: parameters after the URI belong to the header.
	uriPart, params, _ := strings.Cut(s, ";")
	uri, err := ParseURI(uriPart)
	if err != nil {
		return Address{}, err
	}
	a.URI = uri
	a.Params = parseParams(params)
	return a, nil
}

// Tag returns the tag parameter, empty if absent.
func (a Address) Tag() string {
	return a.Params["tag"]
}

func (a Address) String() string {
	var b strings.Builder
	if a.Display != "" {
		b.WriteString(strconv.Quote(a.Display))
		b.WriteByte(' ')
	}
	b.WriteByte('<')
	b.WriteString(a.URI.String())
	b.WriteByte('>')
	b.WriteString(a.Params.String())
	return b.String()
}

// ViaBranch returns the branch parameter of a Via header value.
func ViaBranch(via string) string {
	_, params, _ := strings.Cut(via, ";")
	return parseParams(params)["branch"]
}
