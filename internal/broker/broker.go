// Package broker publishes queue events to NATS.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Publisher delivers queue events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event models.QueueEvent) error
}

// NewEvent stamps a fresh event of the given type.
func NewEvent(typ models.EventType, queue string, userIDs []int64) models.QueueEvent {
	return models.QueueEvent{
		ID:        uuid.New().String(),
		Type:      typ,
		Queue:     queue,
		UserIDs:   userIDs,
		Count:     int64(len(userIDs)),
		Timestamp: time.Now().UTC(),
	}
}

// Subject returns the NATS subject an event of typ is published on.
func Subject(prefix string, typ models.EventType) string {
	return prefix + "." + string(typ)
}

// NoopPublisher drops every event. It is used when NATS is not configured.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, models.QueueEvent) error { return nil }

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL     string
	Subject string
	Source  string
}

// NATSPublisher publishes JSON-encoded events on core NATS subjects.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  logrus.FieldLogger
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg NATSConfig, logger logrus.FieldLogger) (*NATSPublisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Source),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", cfg.URL)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "waitingroom"
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event models.QueueEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := p.conn.Publish(Subject(p.subject, event.Type), data); err != nil {
		return errors.Wrapf(err, "publish %s event", event.Type)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.WithError(err).Warn("nats drain failed")
		p.conn.Close()
	}
}
