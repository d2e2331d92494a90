package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicegate-server/pkg/errors"
)

// Call lifecycle event names
const (
	EventCallAdmitted   = "call_admitted"
	EventCallRejected   = "call_rejected"
	EventCallEnded      = "call_ended"
	EventCallForceEnded = "call_force_ended"
	EventMessageSent    = "message_sent"
)

// CallEvent is one lifecycle notification published to the event queue
type CallEvent struct {
	CallUUID  string                 `json:"call_uuid"`
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PublisherConfig holds AMQP settings. An empty URL disables publishing.
type PublisherConfig struct {
	URL        string
	QueueName  string
	RoutingKey string
}

// Publisher ships call lifecycle events to an AMQP queue so downstream
// systems (billing, CRM, audit) can follow call activity. Publishing is
// best-effort: a broker outage never affects live calls.
type Publisher struct {
	logger *logrus.Logger
	config PublisherConfig

	mutex     sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewPublisher creates an AMQP call-event publisher
func NewPublisher(logger *logrus.Logger, config PublisherConfig) *Publisher {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	return &Publisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a broker URL is configured
func (p *Publisher) Enabled() bool {
	return p.config.URL != ""
}

// Connect dials the broker and declares the event queue. The dial is guarded
// by a timeout so a hung broker cannot stall startup.
func (p *Publisher) Connect() error {
	if !p.Enabled() {
		p.logger.Info("AMQP URL not configured, call event publishing disabled")
		return nil
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.Dial(p.config.URL)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	var conn *amqp.Connection
	select {
	case result := <-resultChan:
		if result.err != nil {
			return errors.Wrap(result.err, "failed to connect to AMQP broker", nil)
		}
		conn = result.conn
	case <-time.After(5 * time.Second):
		return errors.New("timeout connecting to AMQP broker", nil)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel", nil)
	}

	if _, err := channel.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue",
			map[string]interface{}{"queue": p.config.QueueName})
	}

	p.mutex.Lock()
	p.conn = conn
	p.channel = channel
	p.connected = true
	p.mutex.Unlock()

	go p.watchConnection(conn.NotifyClose(make(chan *amqp.Error, 1)))

	p.logger.WithField("queue", p.config.QueueName).Info("Connected to AMQP broker")
	return nil
}

// Publish ships one call event. Failures are logged and swallowed.
func (p *Publisher) Publish(event CallEvent) {
	if !p.Enabled() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mutex.Lock()
	channel := p.channel
	connected := p.connected
	p.mutex.Unlock()

	if !connected || channel == nil {
		p.logger.WithFields(logrus.Fields{
			"call_uuid": event.CallUUID,
			"event":     event.Event,
		}).Warn("AMQP not connected, dropping call event")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal call event")
		return
	}

	if err := channel.Publish(
		"", // default exchange
		p.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	); err != nil {
		p.logger.WithError(err).WithField("event", event.Event).Warn("Failed to publish call event")
	}
}

// Close shuts the publisher down
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stopChan) })

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connected = false
}

// watchConnection reconnects with backoff when the broker drops the link
func (p *Publisher) watchConnection(closed chan *amqp.Error) {
	select {
	case <-p.stopChan:
		return
	case amqpErr := <-closed:
		if amqpErr == nil {
			return
		}
		p.logger.WithField("reason", amqpErr.Error()).Warn("AMQP connection lost, reconnecting")
	}

	p.mutex.Lock()
	p.connected = false
	p.channel = nil
	p.conn = nil
	p.mutex.Unlock()

	backoff := time.Second
	for {
		select {
		case <-p.stopChan:
			return
		case <-time.After(backoff):
		}

		if err := p.Connect(); err == nil {
			return
		}

		p.logger.WithField("retry_in", (backoff * 2).String()).Debug("AMQP reconnect failed")
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
