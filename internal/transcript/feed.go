package transcript

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BioHazard786/huddle/internal/errs"
)

// DefaultNamespace prefixes every room topic unless configured otherwise.
const DefaultNamespace = "huddle"

const connectTimeout = 10 * time.Second

// Handler receives raw feed payloads. It runs on the feed's delivery
// goroutine and must not block for long.
type Handler func(payload []byte)

// Feed is a best-effort subscription to a broker.
type Feed interface {
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string) error
	Close() error
}

type Options struct {
	URI string
	// Exchange is used by AMQP brokers only. Defaults to amq.topic.
	Exchange string
	ClientID string
}

// Topic is the subscription topic of a room.
func Topic(namespace, room string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return fmt.Sprintf("%s/%s/transcription", strings.Trim(namespace, "/"), room)
}

// Dial connects to the broker named by opts.URI, picking the client from
// the URI scheme.
func Dial(ctx context.Context, opts Options) (Feed, error) {
	u, err := url.Parse(opts.URI)
	if err != nil {
		return nil, errs.Wrap("dial transcription feed", errs.ErrSignalingUnavailable, err.Error())
	}
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss":
		return DialMQTT(ctx, opts)
	case "amqp", "amqps":
		return DialAMQP(ctx, opts)
	default:
		return nil, errs.Wrap("dial transcription feed", errs.ErrSignalingUnavailable,
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}
