package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
	tagrepo "github.com/eventphoto/photo-pipeline/internal/repository/tag"
)

// AutoTagger sends the original bytes to an external inference backend and
// records the predicted tag names as system-provenance associations.
// Re-running is additive only: tags no longer predicted are never removed,
// and duplicate candidates are no-ops.
type AutoTagger struct {
	blob      blobStore
	records   imageRecords
	tags      tagRegistry
	predictor tagPredictor
	maxTags   int
}

// NewAutoTagger creates an auto-tagger. maxTags caps how many candidates are
// kept per image; the backend promises no upper bound of its own.
func NewAutoTagger(blob blobStore, records imageRecords, tags tagRegistry, predictor tagPredictor, maxTags int) *AutoTagger {
	if maxTags <= 0 {
		maxTags = 10
	}

	return &AutoTagger{
		blob:      blob,
		records:   records,
		tags:      tags,
		predictor: predictor,
		maxTags:   maxTags,
	}
}

// Kind implements pipeline.Processor.
func (p *AutoTagger) Kind() model.TaskKind { return model.TaskAutotag }

// Process reads the original, obtains candidate tag names from the inference
// backend, and get-or-creates a tag plus association for each. Backend
// unavailability surfaces as a transient error so the dispatcher retries.
func (p *AutoTagger) Process(ctx context.Context, t model.ProcessingTask) error {
	img, err := p.records.GetImage(ctx, t.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return nil
		}

		return fmt.Errorf("autotag: failed to load image record: %w", err)
	}

	data, err := p.blob.ReadAll(ctx, img.OriginalKey)
	if err != nil {
		return fmt.Errorf("autotag: failed to read original: %w", err)
	}

	names, err := p.predictor.PredictTags(ctx, data)
	if err != nil {
		return fmt.Errorf("autotag: failed to predict tags: %w", err)
	}

	for _, name := range dedupeNames(names, p.maxTags) {
		tag, err := p.tags.GetOrCreate(ctx, name)
		if err != nil {
			return fmt.Errorf("autotag: failed to get or create tag: %w", err)
		}

		_, created, err := p.tags.GetOrCreateAssociation(ctx, t.ImageID, tag.ID, model.ProvenanceSystem, nil)
		if err != nil {
			if errors.Is(err, tagrepo.ErrImageGone) {
				zlog.Logger.Info().Str("image_id", t.ImageID.String()).Msg("image deleted mid-flight, discarding predicted tags")
				return nil
			}

			return fmt.Errorf("autotag: failed to associate tag %q: %w", tag.Name, err)
		}

		if created {
			zlog.Logger.Info().
				Str("image_id", t.ImageID.String()).
				Str("tag", tag.Name).
				Msg("predicted tag associated")
		}
	}

	return nil
}

// dedupeNames normalizes candidate names, drops blanks and duplicates, and
// keeps at most limit entries in prediction order.
func dedupeNames(names []string, limit int) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, limit)

	for _, name := range names {
		normalized := tagrepo.NormalizeName(name)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}

		seen[normalized] = struct{}{}
		out = append(out, normalized)

		if len(out) == limit {
			break
		}
	}

	return out
}
