package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/llmport"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Graph is the Knowledge Graph over a transactional store, per spec.md §4.1.
type Graph struct {
	adapter  storeadapter.Adapter
	ledger   *metricsledger.Ledger
	clock    clock.Clock
	embedder llmport.Embedder
}

// Option configures an optional Graph collaborator.
type Option func(*Graph)

// WithEmbedder attaches an optional embedding capability to the Graph. The
// Graph stores it but does not call it: link candidates and similarity are
// computed with the Jaccard token metric whether or not an embedder is set.
func WithEmbedder(e llmport.Embedder) Option {
	return func(g *Graph) { g.embedder = e }
}

// New builds a Graph.
func New(adapter storeadapter.Adapter, ledger *metricsledger.Ledger, clk clock.Clock, opts ...Option) *Graph {
	g := &Graph{adapter: adapter, ledger: ledger, clock: clk}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) table() string { return g.adapter.Tables().KnowledgeBase }
func (g *Graph) linkTable() string { return g.adapter.Tables().KnowledgeLinks }

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*Item, error) {
	var (
		it         Item
		status     string
		sourceSess *string
		tags       string
		metadata   string
		embedding  []byte
	)
	if err := row.Scan(&it.ID, &it.Entity, &it.Fact, &it.Confidence, &status, &sourceSess, &tags, &metadata, &embedding, &it.CreatedAt, &it.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan knowledge item: %w", err)
	}
	it.Status = Status(status)
	it.SourceSessionID = sourceSess

	parsedTags, err := unmarshalTags(tags)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	it.Tags = parsedTags

	meta, err := unmarshalItemMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshal item metadata: %w", err)
	}
	it.Metadata = meta

	if len(embedding) > 0 {
		it.Embedding = decodeEmbedding(embedding)
	}
	return &it, nil
}

const itemColumns = `id, entity, fact, confidence, status, source_session_id, tags, metadata, embedding, created_at, updated_at`

func (g *Graph) getByID(ctx context.Context, ex storeadapter.Executor, id string) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, itemColumns, g.table())
	return scanItem(ex.QueryRowContext(ctx, query, id))
}

// GetByIDTx fetches a knowledge item using ex (typically a *sql.Tx already
// holding a row lock), for callers outside this package that need to
// participate in the same transaction (e.g. the ablation engine).
func (g *Graph) GetByIDTx(ctx context.Context, ex storeadapter.Executor, id string) (*Item, error) {
	return g.getByID(ctx, ex, id)
}

// UpdateTx writes an already-fetched item back using ex, for callers
// outside this package operating within their own transaction.
func (g *Graph) UpdateTx(ctx context.Context, ex storeadapter.Executor, it Item) error {
	return g.update(ctx, ex, it)
}

// LockRow acquires a row lock on a knowledge item for callers that need to
// read-then-write it within their own transaction.
func (g *Graph) LockRow(ctx context.Context, tx *sql.Tx, id string) error {
	return g.lockRow(ctx, tx, id)
}

// ItemColumns is the SELECT column list matching ScanItem's scan order, for
// callers building their own queries against the knowledge base table.
const ItemColumns = itemColumns

// ScanItem exposes the row-scanning logic to other packages that query the
// knowledge base table directly (e.g. the ablation engine's zombie scan).
func ScanItem(row interface{ Scan(dest ...any) error }) (*Item, error) {
	return scanItem(row)
}

func (g *Graph) getByEntityFact(ctx context.Context, ex storeadapter.Executor, entity, fact string) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity = ? AND fact = ?`, itemColumns, g.table())
	return scanItem(ex.QueryRowContext(ctx, query, entity, fact))
}

func (g *Graph) insert(ctx context.Context, ex storeadapter.Executor, it Item) (Item, error) {
	tags, err := marshalTags(it.Tags)
	if err != nil {
		return Item{}, storeadapter.InvalidInput("distill", fmt.Sprintf("bad tags: %v", err))
	}
	meta, err := marshalItemMetadata(it.Metadata)
	if err != nil {
		return Item{}, storeadapter.InvalidInput("distill", fmt.Sprintf("bad metadata: %v", err))
	}
	if it.ID == "" {
		it.ID = storeadapter.NewID()
	}

	now := g.clock.Now()
	it.CreatedAt = now
	it.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO %s (id, entity, fact, confidence, status, source_session_id, tags, metadata, embedding, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, g.table())
	_, err = ex.ExecContext(ctx, query, it.ID, it.Entity, it.Fact, it.Confidence, string(it.Status), it.SourceSessionID, tags, meta, encodeEmbedding(it.Embedding), now, now)
	if err != nil {
		return Item{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "distill", "insert knowledge item failed", err)
	}
	return it, nil
}

func (g *Graph) update(ctx context.Context, ex storeadapter.Executor, it Item) error {
	tags, err := marshalTags(it.Tags)
	if err != nil {
		return storeadapter.InvalidInput("update", fmt.Sprintf("bad tags: %v", err))
	}
	meta, err := marshalItemMetadata(it.Metadata)
	if err != nil {
		return storeadapter.InvalidInput("update", fmt.Sprintf("bad metadata: %v", err))
	}

	query := fmt.Sprintf(`UPDATE %s SET confidence = ?, status = ?, tags = ?, metadata = ?, updated_at = ? WHERE id = ?`, g.table())
	_, err = ex.ExecContext(ctx, query, it.Confidence, string(it.Status), tags, meta, g.clock.Now(), it.ID)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "update", "update knowledge item failed", err)
	}
	return nil
}

func (g *Graph) delete(ctx context.Context, ex storeadapter.Executor, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, g.table())
	_, err := ex.ExecContext(ctx, query, id)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "delete", "delete knowledge item failed", err)
	}
	return nil
}

func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		b[i*4] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
