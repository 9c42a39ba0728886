package mqtt

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"sensmed/internal/config"
	"sensmed/internal/logger"
	"sensmed/internal/metrics"
	"sensmed/internal/models"
)

// UnknownDevice is the device id given to readings whose topic names no device
const UnknownDevice = "unknown-device"

var topicPattern = regexp.MustCompile(`^patient/([^/]+)/data$`)

const operationTimeout = 5 * time.Second

// Subscriber receives device readings from an MQTT broker and queues them
// for evaluation.
type Subscriber struct {
	client       paho.Client
	broker       string
	qos          byte
	envelopeChan chan<- *models.Envelope

	mu     sync.RWMutex
	topics map[string]string // topic -> external device id ("" for wildcard topics)

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSubscriber prepares a subscriber. The default topic is followed from
// the first connection on.
func NewSubscriber(cfg config.MQTTConfig, envelopeChan chan<- *models.Envelope) *Subscriber {
	s := &Subscriber{
		broker:       cfg.Broker,
		qos:          cfg.QoS,
		envelopeChan: envelopeChan,
		topics:       make(map[string]string),
	}
	if cfg.DefaultTopic != "" {
		s.topics[cfg.DefaultTopic] = ""
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(4 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log := logger.WithComponent("mqtt")
		log.Warn().Err(err).Msg("connection to broker lost")
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect dials the broker
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// onConnect (re)subscribes every known topic; the session is clean so the
// broker forgets them on reconnect.
func (s *Subscriber) onConnect(client paho.Client) {
	log := logger.WithComponent("mqtt")
	log.Info().Msg("connected to broker")

	s.mu.RLock()
	filters := make(map[string]byte, len(s.topics))
	for topic := range s.topics {
		filters[topic] = s.qos
	}
	s.mu.RUnlock()

	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, s.onMessage)
	if token.WaitTimeout(operationTimeout) && token.Error() != nil {
		log.Error().Err(token.Error()).Int("topics", len(filters)).Msg("failed to resubscribe topics")
		return
	}
	log.Info().Int("topics", len(filters)).Msg("topics subscribed")
}

// Subscribe follows a device topic. Readings on the topic are attributed to
// deviceID.
func (s *Subscriber) Subscribe(topic, deviceID string) error {
	s.mu.Lock()
	s.topics[topic] = deviceID
	s.mu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	token := s.client.Subscribe(topic, s.qos, s.onMessage)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timeout subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	log := logger.WithDevice("mqtt", deviceID)
	log.Info().Str("topic", topic).Msg("topic subscribed")
	return nil
}

// Unsubscribe stops following a topic
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	token := s.client.Unsubscribe(topic)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timeout unsubscribing from %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// ResolveDevice maps a topic to an external device id: registered topics
// first, then the patient/<id>/data convention.
func (s *Subscriber) ResolveDevice(topic string) string {
	s.mu.RLock()
	deviceID := s.topics[topic]
	s.mu.RUnlock()
	if deviceID != "" {
		return deviceID
	}

	if m := topicPattern.FindStringSubmatch(topic); m != nil {
		return m[1]
	}
	return UnknownDevice
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.Handle(msg.Topic(), msg.Payload())
}

// Handle decodes one payload and queues it. It reports whether the reading
// was queued.
func (s *Subscriber) Handle(topic string, payload []byte) bool {
	deviceID := s.ResolveDevice(topic)
	log := logger.WithDevice("mqtt", deviceID).With().Str("topic", topic).Logger()

	reading, err := models.DecodeReading(payload)
	if err != nil {
		s.dropped.Add(1)
		metrics.ReadingsRejected.WithLabelValues(models.SourceMQTT, "invalid").Inc()
		log.Warn().Err(err).Msg("invalid MQTT payload")
		return false
	}
	if reading.Empty() {
		s.dropped.Add(1)
		metrics.ReadingsRejected.WithLabelValues(models.SourceMQTT, "empty").Inc()
		log.Debug().Msg("payload carries no sensor value")
		return false
	}

	reading.DeviceID = deviceID
	if reading.Normalize(time.Now().UTC()) {
		metrics.ReadingsClamped.WithLabelValues(models.SourceMQTT).Inc()
		log.Warn().Msg("device clock ahead, timestamp replaced by receive time")
	}
	if err := reading.Validate(); err != nil {
		s.dropped.Add(1)
		metrics.ReadingsRejected.WithLabelValues(models.SourceMQTT, "invalid").Inc()
		log.Warn().Err(err).Msg("reading rejected")
		return false
	}

	envelope := models.NewEnvelope(reading, models.SourceMQTT).WithTopic(topic)
	select {
	case s.envelopeChan <- envelope:
		s.received.Add(1)
		metrics.ReadingsReceived.WithLabelValues(models.SourceMQTT).Inc()
		return true
	default:
		s.dropped.Add(1)
		metrics.ReadingsRejected.WithLabelValues(models.SourceMQTT, "queue_full").Inc()
		log.Warn().Msg("inbound queue full, reading dropped")
		return false
	}
}

// Topics returns the followed topics
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// IsConnected reports the broker connection state
func (s *Subscriber) IsConnected() bool {
	return s.client.IsConnected()
}

// Status is the broker connection summary
type Status struct {
	Connected bool     `json:"connected"`
	Broker    string   `json:"broker"`
	Topics    []string `json:"topics"`
}

// Status reports the connection state and the followed topics, sorted
func (s *Subscriber) Status() Status {
	topics := s.Topics()
	sort.Strings(topics)
	return Status{Connected: s.IsConnected(), Broker: s.broker, Topics: topics}
}

// Stats returns received and dropped message counts
func (s *Subscriber) Stats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

// Close disconnects from the broker
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
}
