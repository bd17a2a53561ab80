package biz

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ResolveSimilarity derives the variant, indexes it, queries the
// similarity service and rebuilds the file's match records, running the
// exact-match propagation step for every candidate. Files whose content
// type cannot be indexed are a no-op.
//
// The caller must hold the per-file mutual exclusion (the job scheduler
// does): match rows for one file are never rebuilt by two runs at once.
func (uc *SubmissionFileUseCase) ResolveSimilarity(ctx context.Context, fileID string) error {
	file, err := uc.files.GetByID(ctx, fileID)
	if err != nil {
		return err
	}

	if !file.CanIndex() {
		uc.logger.Debug("skipping similarity for unindexable content type",
			zap.String("file_id", fileID),
			zap.String("content_type", file.ContentType),
		)
		return nil
	}

	original, err := uc.store.Get(ctx, file.OriginalKey)
	if err != nil {
		return fmt.Errorf("failed to load original: %w", err)
	}

	variant, err := uc.variants.MakeVariant(ctx, original, file.ContentType)
	if err != nil {
		return err
	}

	// The variant is replaced whenever this runs, matching the rule that
	// re-attaching the original rebuilds its derived artifact.
	variantKey := fmt.Sprintf("variants/%s.jpg", file.ID)
	if err := uc.store.Upload(ctx, variantKey, variant, "image/jpeg"); err != nil {
		return fmt.Errorf("failed to store variant: %w", err)
	}

	hashGroup, err := uc.similarity.Update(ctx, file.ID, variant)
	if err != nil {
		return err
	}

	if err := uc.files.UpdateIndexInfo(ctx, file.ID, variantKey, hashGroup); err != nil {
		return fmt.Errorf("failed to record index info: %w", err)
	}
	file.VariantKey = variantKey
	file.HashGroup = hashGroup

	// Old rows go first; the new result set replaces them wholesale. A
	// crash between here and Replace leaves the file with zero matches
	// until the next trigger (callers see NotYetClassified semantics via
	// the empty set, never stale rows).
	if err := uc.matches.DeleteForFile(ctx, fileID); err != nil {
		return fmt.Errorf("failed to discard old matches: %w", err)
	}

	candidates, err := uc.similarity.Query(ctx, variant)
	if err != nil {
		return err
	}

	now := time.Now()
	matches := make([]*Match, 0, len(candidates))
	var upgrades []GroupUpgrade

	for _, cand := range candidates {
		exact := file.ContentHash == cand.PostHash
		if !exact {
			exact, err = uc.matches.GroupExactExists(ctx, file.HashGroup, cand.PostID)
			if err != nil {
				return fmt.Errorf("failed to check group exactness: %w", err)
			}
		}

		matches = append(matches, &Match{
			SubmissionFileID: file.ID,
			PostID:           cand.PostID,
			PostWidth:        cand.PostWidth,
			PostHeight:       cand.PostHeight,
			PostSize:         cand.PostSize,
			PostDeleted:      cand.PostDeleted,
			PostHash:         cand.PostHash,
			Score:            cand.Score,
			Exact:            exact,
			Raw:              cand.Raw,
			CreatedAt:        now,
		})

		// Exactness is a property of the (hash group, post) pair, not of
		// one row: every sibling row catches up in the same operation.
		if exact {
			upgrades = append(upgrades, GroupUpgrade{HashGroup: file.HashGroup, PostID: cand.PostID})
		}
	}

	if err := uc.matches.Replace(ctx, fileID, matches, upgrades); err != nil {
		return fmt.Errorf("failed to replace matches: %w", err)
	}

	uc.logger.Info("similarity resolved",
		zap.String("file_id", fileID),
		zap.String("hash_group", hashGroup),
		zap.Int("matches", len(matches)),
		zap.Int("upgrades", len(upgrades)),
	)

	return nil
}
