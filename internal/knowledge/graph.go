package knowledge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// DistillInput is the argument shape for Distill.
type DistillInput struct {
	Entity     string
	Fact       string
	Confidence float64
	Session    *string
	Tags       []string
	Source     Source
}

const (
	userConfidenceBoost  = 0.2
	otherConfidenceBoost = 0.05
	newItemVerifiedMin   = 0.8
)

// Distill is the transactional upsert at the heart of the Knowledge Graph,
// per spec.md §4.1. Existing (entity,fact) rows are merged and reinforced;
// new facts run through challengeKnowledge against same-entity rivals, then
// autoLink once the transaction has committed.
func (g *Graph) Distill(ctx context.Context, in DistillInput) (Item, error) {
	if in.Entity == "" || in.Fact == "" {
		return Item{}, storeadapter.InvalidInput("distill", "entity and fact are required")
	}

	var result Item
	var isNew bool
	err := g.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := g.getByEntityFact(ctx, tx, in.Entity, in.Fact)
		if err != nil {
			return err
		}

		if existing != nil {
			merged, err := g.mergeExisting(ctx, tx, *existing, in)
			if err != nil {
				return err
			}
			result = merged
			return nil
		}

		isNew = true
		if err := g.challengeKnowledge(ctx, tx, in.Entity, in.Fact, in.Confidence); err != nil {
			return err
		}

		status := StatusProposed
		if in.Source == SourceUser && in.Confidence >= newItemVerifiedMin {
			status = StatusVerified
		}

		sessions := []string{}
		if in.Session != nil {
			sessions = append(sessions, *in.Session)
		}
		item := Item{
			Entity:          in.Entity,
			Fact:            in.Fact,
			Confidence:      applyConfidenceCap(in.Source, len(sessions), in.Confidence),
			Status:          status,
			SourceSessionID: in.Session,
			Tags:            in.Tags,
			Metadata: ItemMetadata{
				Source:       in.Source,
				Sessions:     sessions,
				SessionCount: len(sessions),
			},
		}
		stored, err := g.insert(ctx, tx, item)
		if err != nil {
			return err
		}
		result = stored
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	if isNew {
		// autoLink runs after commit: it only reads committed state and its
		// own inserts are independently idempotent, so it never needs to
		// share the distill transaction.
		if linkErr := g.autoLink(ctx, result); linkErr != nil {
			return result, linkErr
		}
	}
	return result, nil
}

func (g *Graph) mergeExisting(ctx context.Context, tx *sql.Tx, existing Item, in DistillInput) (Item, error) {
	locked, err := g.getByID(ctx, tx, existing.ID)
	if err != nil {
		return Item{}, err
	}
	if locked == nil {
		return Item{}, storeadapter.NotFound("distill", fmt.Sprintf("knowledge item %s vanished mid-merge", existing.ID))
	}
	existing = *locked

	mergedTags := stringSetUnion(existing.Tags, in.Tags...)
	sessions := existing.Metadata.Sessions
	if in.Session != nil {
		sessions = stringSetUnion(sessions, *in.Session)
	}

	boost := otherConfidenceBoost
	if in.Source == SourceUser {
		boost = userConfidenceBoost
	}
	confidence := existing.Confidence + boost
	if confidence > 1.0 {
		confidence = 1.0
	}
	confidence = applyConfidenceCap(existing.Metadata.Source, len(sessions), confidence)

	status := existing.Status
	if isVerified(existing.Metadata.Source, len(sessions), confidence) {
		status = StatusVerified
	}

	existing.Tags = mergedTags
	existing.Metadata.Sessions = sessions
	existing.Metadata.SessionCount = len(sessions)
	existing.Confidence = confidence
	existing.Status = status

	if err := g.update(ctx, tx, existing); err != nil {
		return Item{}, err
	}
	return existing, nil
}

// VerifyKnowledge increments an item's confidence by delta, applies the cap
// invariant, and re-evaluates status, under a row lock.
func (g *Graph) VerifyKnowledge(ctx context.Context, id string, delta float64) (Item, error) {
	var result Item
	err := g.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.lockRow(ctx, tx, id); err != nil {
			return err
		}
		item, err := g.getByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return storeadapter.NotFound("verifyKnowledge", fmt.Sprintf("knowledge item %s not found", id))
		}

		confidence := item.Confidence + delta
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence < 0 {
			confidence = 0
		}
		confidence = applyConfidenceCap(item.Metadata.Source, item.Metadata.SessionCount, confidence)
		item.Confidence = confidence
		if isVerified(item.Metadata.Source, item.Metadata.SessionCount, confidence) {
			item.Status = StatusVerified
		}

		if err := g.update(ctx, tx, *item); err != nil {
			return err
		}
		result = *item
		return nil
	})
	return result, err
}

const (
	challengeThreshold        = 0.8
	rivalDisputeFloor         = 0.7
	disputePenalty            = 0.1
	deprecatePenalty          = 0.4
)

// challengeKnowledge penalizes same-entity rivals with a different fact when
// a strongly-asserted new fact arrives, per spec.md §4.1.
func (g *Graph) challengeKnowledge(ctx context.Context, tx *sql.Tx, entity, newFact string, conf float64) error {
	if conf <= challengeThreshold {
		return nil
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity = ? AND fact != ?`, itemColumns, g.table())
	rows, err := tx.QueryContext(ctx, query, entity, newFact)
	if err != nil {
		return fmt.Errorf("challenge knowledge query: %w", err)
	}
	var rivals []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return err
		}
		rivals = append(rivals, *item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rival := range rivals {
		if err := g.lockRow(ctx, tx, rival.ID); err != nil {
			return err
		}
		if rival.Confidence > rivalDisputeFloor {
			rival.Status = StatusDisputed
			rival.Confidence -= disputePenalty
		} else {
			rival.Status = StatusDeprecated
			rival.Confidence -= deprecatePenalty
		}
		if rival.Confidence < 0 {
			rival.Confidence = 0
		}
		if err := g.update(ctx, tx, rival); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) lockRow(ctx context.Context, tx *sql.Tx, id string) error {
	return g.adapter.LockRow(ctx, tx, g.table(), id)
}
