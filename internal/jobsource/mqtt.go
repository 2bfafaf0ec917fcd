package jobsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"frameforge/internal/pipeline"
)

// Submitter accepts jobs, waiting for queue space when needed.
type Submitter interface {
	Enqueue(ctx context.Context, job pipeline.Job) (pipeline.Job, error)
}

// MQTTConfig configures the broker subscription.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// ResultTopic is where finished jobs are published.
func (c MQTTConfig) ResultTopic() string { return c.Topic + "/results" }

// MQTTStats counts messages handled by the subscriber.
type MQTTStats struct {
	Connected bool
	Received  uint64
	Rejected  uint64
	Published uint64
}

// MQTTSource subscribes to a job topic and submits decoded jobs.
type MQTTSource struct {
	cfg    MQTTConfig
	codec  Codec
	submit Submitter
	log    *slog.Logger
	client mqtt.Client

	mu    sync.RWMutex
	stats MQTTStats
}

// NewMQTTSource prepares a subscriber. Connect must be called before Start.
func NewMQTTSource(cfg MQTTConfig, codec Codec, submit Submitter, log *slog.Logger) *MQTTSource {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTSource{cfg: cfg, codec: codec, submit: submit, log: log}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection with automatic reconnects.
func (s *MQTTSource) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(s.cfg.Broker))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		s.log.Info("mqtt connection established", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		s.log.Warn("mqtt connection lost, will auto-reconnect", "broker", s.cfg.Broker, "error", err)
	}

	s.client = mqtt.NewClient(opts)
	s.log.Info("connecting to mqtt broker", "broker", s.cfg.Broker)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.setConnected(true)
	return nil
}

// Start subscribes to the job topic. Messages are handled one at a time, so
// a full queue applies back-pressure to the broker.
func (s *MQTTSource) Start(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("mqtt source not connected")
	}
	s.log.Info("subscribing to job topic", "topic", s.cfg.Topic, "qos", s.cfg.QoS, "codec", s.codec.Name())
	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(ctx, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt subscription timeout")
	}
	return token.Error()
}

func (s *MQTTSource) handle(ctx context.Context, topic string, payload []byte) {
	s.count(func(st *MQTTStats) { st.Received++ })
	job, err := s.codec.Decode(payload)
	if err == nil {
		job, err = s.submit.Enqueue(ctx, job)
	}
	if err != nil {
		s.count(func(st *MQTTStats) { st.Rejected++ })
		s.log.Warn("rejected job message", "topic", topic, "size", len(payload), "error", err)
		return
	}
	s.log.Debug("job received", "topic", topic, "id", job.ID, "type", job.Type, "frames", len(job.FrameIDs))
}

// PublishResults forwards every result to the result topic until results
// closes or ctx is done.
func (s *MQTTSource) PublishResults(ctx context.Context, results <-chan pipeline.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := s.publish(res); err != nil {
				s.log.Warn("failed to publish job result", "id", res.Job.ID, "error", err)
			}
		}
	}
}

func (s *MQTTSource) publish(res pipeline.Result) error {
	payload, err := json.Marshal(NewResultPayload(res))
	if err != nil {
		return err
	}
	token := s.client.Publish(s.cfg.ResultTopic(), s.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	s.count(func(st *MQTTStats) { st.Published++ })
	return nil
}

// Stop unsubscribes and disconnects.
func (s *MQTTSource) Stop() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(2 * time.Second)
	s.client.Disconnect(250)
	s.setConnected(false)
	s.log.Info("mqtt disconnected")
}

// Stats returns a snapshot of the message counters.
func (s *MQTTSource) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *MQTTSource) setConnected(v bool) {
	s.count(func(st *MQTTStats) { st.Connected = v })
}

func (s *MQTTSource) count(fn func(*MQTTStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
