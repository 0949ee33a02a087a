package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tandem/internal/telemetry"
)

// ErrNotConnected — канал недоступен: соединение разорвано или закрыто.
var ErrNotConnected = errors.New("broker not connected")

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// Option настраивает Connection.
type Option func(*Connection)

// WithConnectionName задаёт имя соединения, видимое в RabbitMQ
// (обычно имя процесса: tandem-api, tandem-worker).
func WithConnectionName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// WithHeartbeat задаёт интервал heartbeat (default: 10s).
func WithHeartbeat(d time.Duration) Option {
	return func(c *Connection) { c.heartbeat = d }
}

// Connection — AMQP соединение с автоматическим восстановлением.
//
// Все Publisher и Consumer процесса делят один канал. Закрытие канала
// брокером (например, из-за PRECONDITION_FAILED) приводит к открытию
// нового канала; разрыв соединения — к переподключению с
// экспоненциальной задержкой. После восстановления каждый Consumer
// заново начинает потребление.
type Connection struct {
	url       string
	name      string
	heartbeat time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed   bool
	closedCh chan struct{}

	// reconnected закрывается и заменяется новым при каждом восстановлении
	reconnected chan struct{}
}

// NewConnection подключается к RabbitMQ.
func NewConnection(url string, logger *slog.Logger, opts ...Option) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:         url,
		heartbeat:   10 * time.Second,
		logger:      logger,
		closedCh:    make(chan struct{}),
		reconnected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.dial(); err != nil {
		return nil, err
	}

	go c.watch()
	return c, nil
}

// Connect подключается к брокеру и объявляет топологию.
func Connect(ctx context.Context, url string, logger *slog.Logger, opts ...Option) (*Connection, error) {
	conn, err := NewConnection(url, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := SetupTopology(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	conn.logger.Debug(TopologyInfo())
	return conn, nil
}

func (c *Connection) dial() error {
	props := amqp.NewConnectionProperties()
	if c.name != "" {
		props.SetClientConnectionName(c.name)
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  c.heartbeat,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ", "connection_name", c.name)
	return nil
}

// watch ждёт закрытия канала или соединения и восстанавливает их.
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn, ch := c.conn, c.channel
		c.mu.RUnlock()

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closedCh:
			return

		case err := <-chanClosed:
			if c.isClosed() {
				return
			}
			if !conn.IsClosed() {
				c.logger.Warn("channel closed by broker", "error", err)
				if c.reopenChannel(conn) {
					c.notifyReconnected("channel")
					continue
				}
			}
			c.reconnect()

		case err := <-connClosed:
			if c.isClosed() {
				return
			}
			c.logger.Warn("connection closed", "error", err)
			c.reconnect()
		}

		if c.isClosed() {
			return
		}
	}
}

func (c *Connection) reopenChannel(conn *amqp.Connection) bool {
	ch, err := conn.Channel()
	if err != nil {
		c.logger.Warn("failed to reopen channel", "error", err)
		return false
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return true
}

// reconnect переподключается с экспоненциальной задержкой, пока
// не получится или соединение не будет закрыто.
func (c *Connection) reconnect() {
	c.mu.RLock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.RUnlock()

	delay := reconnectInitialDelay
	for {
		c.logger.Info("attempting to reconnect", "delay", delay)

		select {
		case <-c.closedCh:
			return
		case <-time.After(delay):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		c.notifyReconnected("connection")
		return
	}
}

func (c *Connection) notifyReconnected(scope string) {
	telemetry.BrokerReconnects.WithLabelValues(scope).Inc()
	c.logger.Info("RabbitMQ "+scope+" restored", "connection_name", c.name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.reconnected)
		c.reconnected = make(chan struct{})
	}
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Channel возвращает текущий AMQP канал.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// ReconnectNotify возвращает канал, который закроется при следующем
// восстановлении. Получают все ожидающие.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Close закрывает канал и соединение.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.reconnected)
	close(c.closedCh)

	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("connection closed", "connection_name", c.name)
	return errors.Join(errs...)
}

// IsConnected сообщает, открыты ли соединение и канал.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// WithChannel выполняет fn с текущим каналом.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}
	return fn(ch)
}
