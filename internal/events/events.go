// Package events publishes committed module document changes on NATS so
// other replicas and admin tooling can refresh.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/store"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "modulus.config.changed"

// Recorder receives publish outcomes. *observability.Metrics implements it.
type Recorder interface {
	RecordEventPublished(ok bool)
}

// Publisher implements store.ChangeNotifier by publishing each change as
// JSON on a NATS subject. Delivery is best effort: failures are logged and
// counted, never returned to the store.
type Publisher struct {
	conn     *nats.Conn
	subject  string
	recorder Recorder
	logger   *zap.Logger
}

// NewPublisher creates a Publisher on conn. recorder may be nil.
func NewPublisher(conn *nats.Conn, subject string, recorder Recorder, logger *zap.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, subject: subject, recorder: recorder, logger: logger}
}

var _ store.ChangeNotifier = (*Publisher)(nil)

// Subject returns the subject changes are published on.
func (p *Publisher) Subject() string { return p.subject }

// NotifyChange publishes change.
func (p *Publisher) NotifyChange(_ context.Context, change store.Change) {
	err := p.publish(change)
	if p.recorder != nil {
		p.recorder.RecordEventPublished(err == nil)
	}
	if err != nil {
		p.logger.Warn("config change event not published",
			zap.String("subject", p.subject),
			zap.String("op", string(change.Op)),
			zap.Uint64("revision", uint64(change.Revision)),
			zap.Error(err),
		)
	}
}

func (p *Publisher) publish(change store.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}
	return p.conn.Publish(p.subject, data)
}

// HealthCheck reports whether the NATS connection is usable.
func (p *Publisher) HealthCheck(_ context.Context) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Subscribe delivers decoded changes published on subject to fn until the
// returned subscription is drained. Undecodable messages are dropped.
func Subscribe(conn *nats.Conn, subject string, logger *zap.Logger, fn func(store.Change)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return conn.Subscribe(subject, func(msg *nats.Msg) {
		var change store.Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			logger.Warn("dropping undecodable config change event", zap.Error(err))
			return
		}
		fn(change)
	})
}

// StartEmbedded runs an in-process NATS server with JetStream enabled on a
// random port. storeDir holds JetStream state; empty uses a temp dir.
func StartEmbedded(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start")
	}
	return ns, nil
}

// Connect dials url, or starts an embedded server when url is empty. The
// returned close function drains the connection and stops any embedded
// server.
func Connect(url, storeDir string, logger *zap.Logger) (*nats.Conn, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ns *server.Server
	if url == "" {
		var err error
		if ns, err = StartEmbedded(storeDir); err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", url))
	}

	conn, err := nats.Connect(url, nats.Name("modulus"))
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	closeFn := func() {
		_ = conn.Drain()
		conn.Close()
		if ns != nil {
			ns.Shutdown()
			ns.WaitForShutdown()
		}
	}
	return conn, closeFn, nil
}
