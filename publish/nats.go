package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	event "github.com/riverchime/scheduler"
)

// NATSPublisher publishes fired events onto a JetStream subject named
// after the event's Name, with native message-ID deduplication so a
// requeue-then-retry that ends up delivering twice collapses server-side.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher on top of an already-connected
// nats.Conn. subjectPrefix is prepended to the event's Name to derive
// the subject.
func NewNATSPublisher(conn *nats.Conn, subjectPrefix string) (*NATSPublisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{
		js:     js,
		prefix: subjectPrefix,
		logger: slog.Default().With("component", "publish.nats"),
	}, nil
}

// natsPublishTimeout bounds a single publish attempt so a stalled
// JetStream server can't block a hotloop worker indefinitely.
const natsPublishTimeout = 10 * time.Second

func (p *NATSPublisher) Publish(ctx context.Context, ev *event.ScheduledEvent) error {
	data, err := json.Marshal(&wireMessage{ID: ev.ID, Payload: ev.Payload, Metadata: ev.Metadata})
	if err != nil {
		return &event.PublishPermanentError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	if _, err := p.js.Publish(ctx, p.prefix+ev.Name, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return &event.PublishTransientError{Err: err}
	}

	p.logger.Debug("published event", "id", ev.ID, "name", ev.Name)
	return nil
}

func (p *NATSPublisher) Close(context.Context) error { return nil }

var _ event.Publisher = (*NATSPublisher)(nil)
