package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
)

const (
	// NATS connection timeout.
	natsConnectionTimeoutSeconds = 5

	// Stream configuration.
	streamName        = "LOCPIPE_TRACE"
	streamSubjects    = "locpipe.trace.>"
	defaultSubject    = "locpipe.trace.events"
	streamMaxAgeHours = 24
)

// ConnectionHealthStatus represents the health of the NATS connection.
type ConnectionHealthStatus struct {
	Connected    bool      `json:"connected"`
	LastError    string    `json:"last_error,omitempty"`
	Reconnects   int       `json:"reconnects"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastPingTime time.Time `json:"last_ping_time"`
}

// PublishMetrics tracks trace event publishing metrics.
type PublishMetrics struct {
	PublishedCount    int64         `json:"published_count"`
	FailedCount       int64         `json:"failed_count"`
	AverageLatency    time.Duration `json:"average_latency"`
	LastPublishedTime time.Time     `json:"last_published_time"`
}

// NATSPublisher mirrors trace events onto a JetStream subject so external
// consumers can follow a run without tailing the trace log file.
type NATSPublisher struct {
	config  config.NATSConfig
	subject string
	conn    *nats.Conn
	js      nats.JetStreamContext

	mutex          sync.RWMutex
	health         ConnectionHealthStatus
	metrics        PublishMetrics
	reconnectCount int
}

// NewNATSPublisher validates the configuration and creates an unconnected
// publisher. Call Connect and EnsureStream before recording events.
func NewNATSPublisher(cfg config.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if !strings.HasPrefix(cfg.URL, "nats://") {
		return nil, errors.New("invalid NATS URL scheme")
	}
	if cfg.MaxReconnects < 0 {
		return nil, errors.New("max reconnects cannot be negative")
	}
	if cfg.ReconnectWait < 0 {
		return nil, errors.New("reconnect wait cannot be negative")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	if !strings.HasPrefix(subject, "locpipe.trace.") {
		return nil, fmt.Errorf("trace subject must live under locpipe.trace.: %s", subject)
	}

	return &NATSPublisher{config: cfg, subject: subject}, nil
}

// Subject returns the effective publish subject.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// Connect establishes the NATS connection and JetStream context.
func (p *NATSPublisher) Connect() error {
	opts := []nats.Option{
		nats.MaxReconnects(p.config.MaxReconnects),
		nats.ReconnectWait(p.config.ReconnectWait),
		nats.Timeout(natsConnectionTimeoutSeconds * time.Second),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.mutex.Lock()
			p.reconnectCount++
			p.mutex.Unlock()
			p.updateHealth(true, nil)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) {
			p.updateHealth(false, errors.New("connection lost"))
		}),
	}

	conn, err := nats.Connect(p.config.URL, opts...)
	if err != nil {
		p.updateHealth(false, err)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		p.updateHealth(false, err)
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p.conn = conn
	p.js = js
	p.updateHealth(true, nil)
	return nil
}

// EnsureStream creates the trace stream if it does not exist.
func (p *NATSPublisher) EnsureStream() error {
	if p.js == nil {
		return errors.New("not connected to NATS server")
	}

	streamConfig := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubjects},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    streamMaxAgeHours * time.Hour,
		Replicas:  1,
	}

	if _, err := p.js.AddStream(streamConfig); err != nil {
		if _, infoErr := p.js.StreamInfo(streamName); infoErr == nil {
			return nil
		}
		return fmt.Errorf("failed to create trace stream: %w", err)
	}
	return nil
}

// Record publishes one trace event to the configured subject.
func (p *NATSPublisher) Record(ctx context.Context, event entity.TraceEvent) error {
	start := time.Now()

	select {
	case <-ctx.Done():
		p.updateMetrics(false, time.Since(start))
		return ctx.Err()
	default:
	}

	if p.js == nil {
		p.updateMetrics(false, time.Since(start))
		return errors.New("not connected to NATS server")
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.updateMetrics(false, time.Since(start))
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}

	if _, err := p.js.PublishAsync(p.subject, data, nats.Context(ctx)); err != nil {
		p.updateMetrics(false, time.Since(start))
		return fmt.Errorf("failed to publish trace event: %w", err)
	}

	p.updateMetrics(true, time.Since(start))
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.js = nil
	}
	p.updateHealth(false, nil)
	return nil
}

// GetConnectionHealth returns the current connection health status.
func (p *NATSPublisher) GetConnectionHealth() ConnectionHealthStatus {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	health := p.health
	health.Reconnects = p.reconnectCount
	return health
}

// GetPublishMetrics returns current publishing metrics.
func (p *NATSPublisher) GetPublishMetrics() PublishMetrics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.metrics
}

func (p *NATSPublisher) updateHealth(connected bool, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.health.Connected = connected
	p.health.LastPingTime = time.Now()

	if err != nil {
		p.health.LastError = err.Error()
	}
	if connected && p.health.ConnectedAt.IsZero() {
		p.health.ConnectedAt = time.Now()
	}
}

func (p *NATSPublisher) updateMetrics(success bool, latency time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if success {
		p.metrics.PublishedCount++
		p.metrics.LastPublishedTime = time.Now()

		// Exponential moving average with alpha = 0.1
		if p.metrics.AverageLatency == 0 {
			p.metrics.AverageLatency = latency
		} else {
			p.metrics.AverageLatency = time.Duration(
				0.9*float64(p.metrics.AverageLatency) + 0.1*float64(latency),
			)
		}
	} else {
		p.metrics.FailedCount++
	}
}
