package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event subjects
const (
	EventMemberCreated = "community.member.created"
	EventMemberClaimed = "community.member.claimed"
	EventPlanChanged   = "community.plan.changed"

	StreamName = "COMMUNITY_EVENTS"
)

// MemberCreatedEvent is published when a membership is issued or its code regenerated.
// The mailer consumes it to deliver the claim code; ClaimCode is empty for bound memberships.
type MemberCreatedEvent struct {
	EventType     string    `json:"event_type"`
	CommunityID   string    `json:"community_id"`
	CommunityName string    `json:"community_name"`
	MembershipID  string    `json:"membership_id"`
	MemberID      string    `json:"member_id"`
	DisplayName   string    `json:"display_name"`
	Email         string    `json:"email,omitempty"`
	Role          string    `json:"role"`
	ClaimCode     string    `json:"claim_code,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MemberClaimedEvent is published when an account redeems a claim code
type MemberClaimedEvent struct {
	EventType    string    `json:"event_type"`
	CommunityID  string    `json:"community_id"`
	MembershipID string    `json:"membership_id"`
	MemberID     string    `json:"member_id"`
	AccountID    string    `json:"account_id"`
	ClaimedAt    time.Time `json:"claimed_at"`
	Timestamp    time.Time `json:"timestamp"`
}

// PlanChangedEvent is published after a successful plan change
type PlanChangedEvent struct {
	EventType   string    `json:"event_type"`
	CommunityID string    `json:"community_id"`
	FromPlanID  string    `json:"from_plan_id"`
	ToPlanID    string    `json:"to_plan_id"`
	Direction   string    `json:"direction"` // upgrade, downgrade
	Timestamp   time.Time `json:"timestamp"`
}

// Client wraps the NATS connection
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
}

// Config holds NATS connection configuration
type Config struct {
	URL        string
	Name       string
	MaxRetries int
}

// DefaultConfig returns the default NATS configuration
func DefaultConfig(url string) *Config {
	if url == "" {
		url = nats.DefaultURL
	}
	return &Config{
		URL:        url,
		Name:       "community-service",
		MaxRetries: 3,
	}
}

// NewClient connects to NATS and makes sure the community event stream exists
func NewClient(cfg *Config, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "nats")

	log.WithField("url", cfg.URL).Info("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.WithError(err).Error("NATS error")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:        StreamName,
		Description: "Stream for community membership and plan events",
		Subjects:    []string{"community.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      24 * time.Hour * 7,
		MaxMsgs:     100000,
		Discard:     nats.DiscardOld,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		log.WithError(err).Warn("Could not create stream (may already exist)")
	}

	log.WithField("url", cfg.URL).Info("Connected to NATS")

	return &Client{conn: conn, js: js, logger: log}, nil
}

// PublishMemberCreated publishes a member created event
func (c *Client) PublishMemberCreated(ctx context.Context, event *MemberCreatedEvent) error {
	event.EventType = EventMemberCreated
	event.Timestamp = time.Now().UTC()
	return c.publish(ctx, EventMemberCreated, event)
}

// PublishMemberClaimed publishes a member claimed event
func (c *Client) PublishMemberClaimed(ctx context.Context, event *MemberClaimedEvent) error {
	event.EventType = EventMemberClaimed
	event.Timestamp = time.Now().UTC()
	return c.publish(ctx, EventMemberClaimed, event)
}

// PublishPlanChanged publishes a plan changed event
func (c *Client) PublishPlanChanged(ctx context.Context, event *PlanChangedEvent) error {
	event.EventType = EventPlanChanged
	event.Timestamp = time.Now().UTC()
	return c.publish(ctx, EventPlanChanged, event)
}

// publish sends through JetStream with exponential backoff between attempts
func (c *Client) publish(ctx context.Context, subject string, event interface{}) error {
	if c == nil || c.js == nil {
		return fmt.Errorf("NATS client not initialized")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	const maxRetries = 3
	var ack *nats.PubAck
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ack, err = c.js.Publish(subject, data, nats.Context(ctx))
		if err == nil {
			break
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"subject": subject,
			"attempt": attempt,
		}).Warn("Failed to publish event")
		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while retrying publish: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s after %d attempts: %w", subject, maxRetries, err)
	}

	c.logger.WithFields(logrus.Fields{
		"subject": subject,
		"seq":     ack.Sequence,
	}).Debug("Published event")
	return nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c != nil && c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}
