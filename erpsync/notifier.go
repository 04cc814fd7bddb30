package erpsync

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// Notifier is the escalation capability. The engine only ever calls Notify;
// the concrete channel is a collaborator chosen at wiring time.
type Notifier interface {
	Notify(ctx context.Context, severity string, message string) error
}

type EscalationMessage struct {
	Severity      string    `json:"severity"`
	Message       string    `json:"message"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	RaisedAt      time.Time `json:"raised_at"`
}

type pubsubNotifier struct {
	topic  string
	logger *logrus.Logger
}

// NewPubSubNotifier escalates by publishing to a Pub/Sub topic watched by the
// on-call tooling.
func NewPubSubNotifier(topic string, logger *logrus.Logger) Notifier {
	return &pubsubNotifier{topic: topic, logger: logger}
}

func (n *pubsubNotifier) Notify(ctx context.Context, severity string, message string) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	payload := EscalationMessage{
		Severity:      severity,
		Message:       message,
		CorrelationId: cid,
		RaisedAt:      time.Now().UTC(),
	}
	data, _ := json.Marshal(payload)

	res := client.Topic(n.topic).Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

type logNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier is the local fallback when no escalation topic is configured.
func NewLogNotifier(logger *logrus.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Notify(ctx context.Context, severity string, message string) error {
	entry := n.logger.WithFields(logrus.Fields{
		"module":   "erpsync",
		"severity": severity,
	})
	if severity == SeverityCritical {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}
	return nil
}
