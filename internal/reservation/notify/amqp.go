package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"spacebook/internal/reservation/models"
)

var errAMQPClosed = errors.New("amqp connection closed")

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQP publishes persistent messages to a topic exchange, routed by event
// kind (for example "reservation.expired").
type AMQP struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch amqpChannel
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	a := &AMQP{conn: conn, exchange: exchange}
	ch, err := a.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	a.ch = ch
	return a, nil
}

func (a *AMQP) openChannel() (*amqp.Channel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", a.exchange, err)
	}
	return ch, nil
}

// Notify publishes one event. Channels are not safe for concurrent
// publishing, so calls are serialized; a closed channel is reopened once.
func (a *AMQP) Notify(ctx context.Context, event models.Event) error {
	msg, err := publishing(event)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.ch.IsClosed() {
		if a.conn == nil || a.conn.IsClosed() {
			return errAMQPClosed
		}
		ch, err := a.openChannel()
		if err != nil {
			return err
		}
		a.ch = ch
	}
	if err := a.ch.PublishWithContext(ctx, a.exchange, string(event.Kind), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", event.Kind, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func publishing(event models.Event) (amqp.Publishing, error) {
	body, err := encode(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ReservationID.String() + ":" + string(event.Kind),
		Type:         string(event.Kind),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}, nil
}
