package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a channel with the exchange declared. closed fires when the
// channel or its connection goes away.
type dialFunc func() (ch amqpChannel, closed <-chan *amqp.Error, err error)

// AMQPPublisher publishes events as persistent JSON messages on a topic
// exchange, routed by event type. A channel lost to a broker restart is
// redialed on the next publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     dialFunc
	ch       amqpChannel
	closed   <-chan *amqp.Error
	exchange string
	log      *slog.Logger
}

func NewAMQPPublisher(url, exchange string, log *slog.Logger) (*AMQPPublisher, error) {
	dial := func() (amqpChannel, <-chan *amqp.Error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange: %w", err)
		}
		// Channels are closed, and notified, when their connection drops.
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))
		return &connChannel{Channel: ch, conn: conn}, closed, nil
	}
	return newAMQPPublisher(exchange, dial, log)
}

func newAMQPPublisher(exchange string, dial dialFunc, log *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{dial: dial, exchange: exchange, log: log}
	if _, err := p.channelLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; ; attempt++ {
		ch, err := p.channelLocked()
		if err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg)
		if err == nil || !errors.Is(err, amqp.ErrClosed) || attempt > 0 {
			return err
		}
		p.dropLocked()
	}
}

// channelLocked returns the live channel, dialing a new one when the previous
// channel has been closed.
func (p *AMQPPublisher) channelLocked() (amqpChannel, error) {
	if p.ch != nil {
		select {
		case amqpErr := <-p.closed:
			if p.log != nil {
				p.log.Warn("amqp channel closed; reconnecting", slog.Any("err", amqpErr))
			}
			p.dropLocked()
		default:
			return p.ch, nil
		}
	}
	ch, closed, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.ch, p.closed = ch, closed
	return ch, nil
}

func (p *AMQPPublisher) dropLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch, p.closed = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch, p.closed = nil, nil
	return err
}

// connChannel closes the connection along with its channel.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// LogPublisher writes events to the log. It stands in when no broker is
// configured.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.log.InfoContext(ctx, "event",
		slog.String("id", ev.ID),
		slog.String("type", ev.Type),
		slog.String("booking_id", ev.BookingID),
		slog.Any("slots", ev.SlotKeys),
	)
	return nil
}
