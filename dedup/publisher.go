package dedup

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// publishTimeout bounds how long a single publish waits for the broker
const publishTimeout = 2 * time.Second

// ConnectMQTT connects to the broker in cfg. It returns nil, nil when no
// broker is configured.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// PassStatus is the retained message on {prefix}/status
type PassStatus struct {
	RunID     string `json:"runId"`
	State     string `json:"state"` // "running" or "finished"
	Total     int    `json:"total"`
	Stats     *Stats `json:"stats,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PassProgress is the message on {prefix}/progress
type PassProgress struct {
	RunID     string `json:"runId"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher reports pass progress and results over MQTT. Progress messages
// are rate limited; status and result messages are always sent.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	runID         string
	qos           byte
	limiter       *rate.Limiter
	log           *zap.Logger

	mu      sync.Mutex
	lastErr error
}

// NewPublisher creates a publisher for one run. If client is nil,
// publishing is disabled. progressRate is in messages per second; zero
// disables progress messages.
func NewPublisher(client mqtt.Client, prefix, runID string, progressRate float64, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if progressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(progressRate), 1)
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		runID:         runID,
		qos:           0,
		limiter:       limiter,
		log:           log,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// Err returns the last publish error, if any
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Observe publishes status on pass boundaries and rate-limited progress in between
func (p *Publisher) Observe(e Event) {
	now := time.Now().Unix()

	switch e.Kind {
	case EventPassStarted:
		p.record(p.publish("status", true, PassStatus{
			RunID: p.runID, State: "running", Total: e.Total, Timestamp: now,
		}))
	case EventPassFinished:
		p.record(p.publish("status", true, PassStatus{
			RunID: p.runID, State: "finished", Total: e.Total, Stats: e.Stats, Timestamp: now,
		}))
	default:
		if p.limiter == nil || !p.limiter.Allow() {
			return
		}
		p.record(p.publish("progress", false, PassProgress{
			RunID: p.runID, Processed: e.Processed, Total: e.Total, Timestamp: now,
		}))
	}
}

// PublishResult publishes the cluster list to {prefix}/clusters, retained.
// A failure is logged and reported by Err.
func (p *Publisher) PublishResult(res *Result) {
	message := map[string]interface{}{
		"runId":     p.runID,
		"stats":     res.Stats(),
		"clusters":  res.ClusterList(),
		"timestamp": time.Now().Unix(),
	}
	p.record(p.publish("clusters", true, message))
}

func (p *Publisher) record(err error) {
	if err == nil {
		return
	}
	p.log.Warn("mqtt publish failed", zap.Error(err))
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Publisher) publish(suffix string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", suffix, err)
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
