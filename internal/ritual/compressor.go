package ritual

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	sessionPageSize     = 100
	compressKeepRecent  = 20
	compressSummaryMax  = 2000
)

// Compressor collapses a session's oldest messages into a single summary
// message once the session outgrows the configured context window. This has
// no direct precedent in the Cortex's ambient stack; it is new plumbing
// built to spec.md §4.9's "call the session compressor" step.
type Compressor struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// NewCompressor builds a Compressor.
func NewCompressor(adapter storeadapter.Adapter, clk clock.Clock) *Compressor {
	return &Compressor{adapter: adapter, clock: clk}
}

// CompressActiveSessions iterates active sessions in pages of 100 and
// compresses every one whose message count exceeds contextWindowSize, per
// spec.md §4.9's compression ritual.
func (c *Compressor) CompressActiveSessions(ctx context.Context, contextWindowSize int) (int, error) {
	compressed := 0
	offset := 0
	for {
		ids, err := c.activeSessionPage(ctx, offset)
		if err != nil {
			return compressed, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			count, err := c.messageCount(ctx, id)
			if err != nil {
				return compressed, err
			}
			if count <= contextWindowSize {
				continue
			}
			if err := c.CompressSession(ctx, id); err != nil {
				return compressed, err
			}
			compressed++
		}
		if len(ids) < sessionPageSize {
			break
		}
		offset += sessionPageSize
	}
	return compressed, nil
}

func (c *Compressor) activeSessionPage(ctx context.Context, offset int) ([]string, error) {
	table := c.adapter.Tables().Sessions
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = 'active' ORDER BY created_at LIMIT ? OFFSET ?`, table)
	rows, err := c.adapter.QueryContext(ctx, query, sessionPageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("page active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Compressor) messageCount(ctx context.Context, sessionID string) (int, error) {
	table := c.adapter.Tables().Messages
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE session_id = ?`, table)
	var n int
	err := c.adapter.QueryRowContext(ctx, query, sessionID).Scan(&n)
	return n, err
}

// CompressSession keeps the most recent compressKeepRecent messages intact
// and replaces everything older with one synthetic "system" message whose
// content concatenates the dropped messages' role and content, truncated to
// compressSummaryMax characters.
func (c *Compressor) CompressSession(ctx context.Context, sessionID string) error {
	return c.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		msgTable := c.adapter.Tables().Messages
		// Select every message except the most recent compressKeepRecent.
		selectQuery := fmt.Sprintf(`
			SELECT id, role, content FROM %s WHERE session_id = ?
			ORDER BY created_at ASC
			LIMIT MAX(0, (SELECT COUNT(*) FROM %s WHERE session_id = ?) - ?)`, msgTable, msgTable)
		rows, err := tx.QueryContext(ctx, selectQuery, sessionID, sessionID, compressKeepRecent)
		if err != nil {
			return fmt.Errorf("select messages to compress: %w", err)
		}
		var ids []int64
		var summary strings.Builder
		for rows.Next() {
			var id int64
			var role, content string
			if err := rows.Scan(&id, &role, &content); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			fmt.Fprintf(&summary, "%s: %s\n", role, content)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}

		text := summary.String()
		if len(text) > compressSummaryMax {
			text = text[:compressSummaryMax]
		}

		deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, msgTable, placeholders(len(ids)))
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, deleteQuery, args...); err != nil {
			return fmt.Errorf("delete compressed messages: %w", err)
		}

		insertQuery := fmt.Sprintf(`INSERT INTO %s (session_id, role, content, metadata, created_at) VALUES (?, 'system', ?, '{"compressed":true}', ?)`, msgTable)
		if _, err := tx.ExecContext(ctx, insertQuery, sessionID, "[compressed summary]\n"+text, c.clock.Now()); err != nil {
			return fmt.Errorf("insert compression summary: %w", err)
		}
		return nil
	})
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	return b.String()
}
