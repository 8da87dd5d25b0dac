package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

const (
	subjectDraft             = "hive.draft"
	subjectSync              = "hive.sync"
	subjectKnowledgeBroadcast = "hive.knowledge.broadcast"
)

// EmbeddedServerConfig configures the embedded NATS server a single-node
// deployment runs to talk to its own hive lineage peers.
type EmbeddedServerConfig struct {
	Port      int
	JetStream bool
	DataDir   string
}

// EmbeddedServer wraps an in-process NATS server, grounding the cross-lineage
// transport spec.md §4.5 assumes without requiring an external broker.
type EmbeddedServer struct {
	server *natsserver.Server
	port   int
}

// StartEmbeddedServer boots an embedded NATS server on the given config.
func StartEmbeddedServer(cfg EmbeddedServerConfig) (*EmbeddedServer, error) {
	if cfg.Port <= 0 {
		cfg.Port = 4222
	}
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoSigs: true,
	}
	if cfg.JetStream {
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready for connections")
	}
	return &EmbeddedServer{server: ns, port: cfg.Port}, nil
}

// URL returns the embedded server's connection URL.
func (e *EmbeddedServer) URL() string { return fmt.Sprintf("nats://127.0.0.1:%d", e.port) }

// Shutdown stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}

// Transport publishes hive events (draft results, domain syncs, knowledge
// broadcasts) to peer lineages over NATS.
type Transport struct {
	conn *nats.Conn
}

// NewTransport connects to a NATS server at url.
func NewTransport(url string) (*Transport, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to hive transport: %w", err)
	}
	return &Transport{conn: conn}, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

// PublishDraft announces a completed Sovereign Draft to the hive.
func (t *Transport) PublishDraft(ctx context.Context, result DraftResult) error {
	return t.publishJSON(subjectDraft, result)
}

type syncEvent struct {
	DomainTag string  `json:"domain_tag"`
	Boost     float64 `json:"boost"`
	Affected  int64   `json:"affected"`
}

// PublishSync announces a completed syncDomain pass.
func (t *Transport) PublishSync(ctx context.Context, domainTag string, boost float64, affected int64) error {
	return t.publishJSON(subjectSync, syncEvent{DomainTag: domainTag, Boost: boost, Affected: affected})
}

type knowledgeBroadcastEvent struct {
	Promoted  int       `json:"promoted"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishKnowledgeBroadcast announces a completed broadcastKnowledge pass.
func (t *Transport) PublishKnowledgeBroadcast(ctx context.Context, promoted int, at time.Time) error {
	return t.publishJSON(subjectKnowledgeBroadcast, knowledgeBroadcastEvent{Promoted: promoted, Timestamp: at})
}

func (t *Transport) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return t.conn.Publish(subject, data)
}
