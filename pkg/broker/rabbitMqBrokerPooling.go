package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
)

// amqpConnection is the part of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(ch amqpChannel) *pooledChannel {
	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

// newConnection dials the broker, retrying with exponential backoff until ctx
// is done or the dial budget runs out.
var newConnection = func(ctx context.Context, settings *config.BrokerSettings) (amqpConnection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
		return amqp.Dial(settings.URL)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return dialedConnection{conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := newConnection(ctx, r.settings)
	if err != nil {
		return err
	}
	r.connection = connection

	// Clear the existing channel pool
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- newPooledChannel(channel)
	}

	r.logger.Infow("RabbitMQ connection and channel pool initialized", "exchange", r.settings.Exchange, "pool_size", r.settings.PoolSize)
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				r.logger.Infow("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(context.Background()); err != nil {
					r.logger.Warnw("Failed to reconnect to RabbitMQ", "error", err)
				} else {
					r.logger.Infow("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debugw("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				r.logger.Debugw("Discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			if r.connection == nil {
				return nil, amqp.ErrClosed
			}
			channel, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return newPooledChannel(channel), nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		r.logger.Debugw("Discarding closed channel", "error", err)
		return
	default:
		// Channel is valid, return it to the pool
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
