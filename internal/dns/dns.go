// Package dns resolves signaling hosts, falling back to public resolvers when
// the system resolver fails.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Public resolvers raced when the system lookup fails.
var publicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

type lookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver looks up a host with the system resolver first and then races the
// public servers.
type Resolver struct {
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration

	local  lookupFunc
	remote func(server string) lookupFunc
	public []string
}

// NewResolver returns a resolver that tries the system resolver before
// the public servers.
func NewResolver() *Resolver {
	return &Resolver{
		LocalTimeout:  time.Second,
		RemoteTimeout: 2 * time.Second,
		local:         (&net.Resolver{}).LookupHost,
		remote:        serverLookup,
		public:        publicDNS,
	}
}

// Lookup returns one address for host, preferring IPv4. IP literals are
// returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ips, err := r.local(lctx, host)
	cancel()
	if err == nil {
		if ip, ok := pick(ips); ok {
			return ip, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return r.race(ctx, host)
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.RemoteTimeout)
	defer cancel()

	results := make(chan result, len(r.public))
	for _, server := range r.public {
		go func(server string) {
			ips, err := r.remote(server)(ctx, host)
			if err != nil {
				results <- result{err: err}
				return
			}
			ip, ok := pick(ips)
			if !ok {
				results <- result{err: errors.New("no addresses returned")}
				return
			}
			results <- result{ip: ip}
		}(server)
	}

	failures := 0
	for range r.public {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("lookup %s: public DNS race: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("lookup %s: all %d public DNS servers failed", host, failures)
}

func serverLookup(server string) lookupFunc {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
	return r.LookupHost
}

func pick(ips []string) (string, bool) {
	if len(ips) == 0 {
		return "", false
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, true
		}
	}
	return ips[0], true
}
