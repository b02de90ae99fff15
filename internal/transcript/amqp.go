package transcript

import (
	"context"
	"strings"
	"sync"

	"github.com/BioHazard786/huddle/internal/errs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const defaultExchange = "amq.topic"

// amqpChannel is the part of *amqp.Channel the feed uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type amqpFeed struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string

	mu   sync.Mutex
	subs map[string]string // topic -> consumer tag
	wg   sync.WaitGroup
}

// DialAMQP connects to an AMQP broker. Topics are bound on a topic exchange
// with "/" replaced by "." in the routing key.
func DialAMQP(ctx context.Context, opts Options) (Feed, error) {
	type dialed struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := amqp.Dial(opts.URI)
		done <- dialed{conn, err}
	}()

	var d dialed
	select {
	case d = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return nil, errs.Cause("dial amqp", errs.ErrSignalingUnavailable, ctx.Err())
	}
	if d.err != nil {
		return nil, errs.Cause("dial amqp", errs.ErrSignalingUnavailable, d.err)
	}

	ch, err := d.conn.Channel()
	if err != nil {
		d.conn.Close()
		return nil, errs.Cause("open amqp channel", errs.ErrSignalingUnavailable, err)
	}
	log.Info().Str("module", "transcript").Msg("connected to broker")

	f := newAMQPFeed(ch, opts.Exchange)
	f.conn = d.conn
	return f, nil
}

func newAMQPFeed(ch amqpChannel, exchange string) *amqpFeed {
	if exchange == "" {
		exchange = defaultExchange
	}
	return &amqpFeed{ch: ch, exchange: exchange, subs: make(map[string]string)}
}

// RoutingKey maps an MQTT-style topic onto an AMQP topic routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func (f *amqpFeed) Subscribe(topic string, h Handler) error {
	q, err := f.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return errs.Cause("declare queue", errs.ErrSignalingUnavailable, err)
	}
	if err := f.ch.QueueBind(q.Name, RoutingKey(topic), f.exchange, false, nil); err != nil {
		return errs.Cause("bind "+topic, errs.ErrSignalingUnavailable, err)
	}
	tag := "huddle-" + uuid.NewString()
	deliveries, err := f.ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return errs.Cause("consume "+topic, errs.ErrSignalingUnavailable, err)
	}

	f.mu.Lock()
	f.subs[topic] = tag
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for d := range deliveries {
			h(d.Body)
		}
	}()
	log.Debug().Str("module", "transcript").Str("topic", topic).Str("exchange", f.exchange).Msg("subscribed")
	return nil
}

func (f *amqpFeed) Unsubscribe(topic string) error {
	f.mu.Lock()
	tag, ok := f.subs[topic]
	delete(f.subs, topic)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	// The auto-delete queue goes away with its last consumer.
	if err := f.ch.Cancel(tag, false); err != nil {
		return errs.Cause("unsubscribe "+topic, errs.ErrSignalingUnavailable, err)
	}
	return nil
}

func (f *amqpFeed) Close() error {
	err := f.ch.Close()
	if f.conn != nil {
		if cerr := f.conn.Close(); err == nil {
			err = cerr
		}
	}
	f.wg.Wait()
	return err
}
