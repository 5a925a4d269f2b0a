package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/inquiry"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// applyExtraction merges newly extracted fields into the inquiry's
// accumulated record and recomputes completeness. It must run inside the
// caller's transaction; the extracted-data row is read locked so concurrent
// ingesters for the same inquiry serialize on the merge.
func applyExtraction(ctx context.Context, tx store.Store, inq *model.Inquiry, fields map[string]string, source model.ExtractionSource) error {
	existing, err := tx.GetExtractedData(ctx, inq.ID, true)
	if err != nil {
		return err
	}

	var current map[string]string
	if existing != nil {
		current = existing.Data
	}
	merged, changed := inquiry.MergeFields(current, fields)

	// A manual correction pins the status; merges still fill empty fields.
	status := inquiry.CompletenessStatus(merged)
	if existing != nil && existing.ValidationStatus == model.ValidationManuallyCorrected {
		status = model.ValidationManuallyCorrected
	}

	if existing == nil || changed {
		ed := &model.ExtractedData{
			InquiryID:        inq.ID,
			Data:             merged,
			Source:           mergeSource(existing, source),
			ValidationStatus: status,
			MissingFields:    inquiry.MissingEssentialFields(merged),
		}
		if existing != nil {
			ed.UpdatedBy = existing.UpdatedBy
		}
		if err := tx.UpsertExtractedData(ctx, ed); err != nil {
			return err
		}
		zap.L().Debug("extracted data merged",
			zap.Int64("inquiry_id", inq.ID),
			zap.Int("new_fields", len(fields)),
			zap.Int("merged_fields", len(merged)),
			zap.String("status", string(status)))
	}

	return tx.UpdateInquiryStatus(ctx, inq.ID, inquiry.InquiryStatusFor(status))
}

// mergeSource labels the merged record: single-path data keeps its label,
// mixed provenance becomes combined.
func mergeSource(existing *model.ExtractedData, next model.ExtractionSource) model.ExtractionSource {
	if existing == nil || existing.Source == model.SourceNone {
		return next
	}
	if next == model.SourceNone || next == existing.Source {
		return existing.Source
	}
	return model.SourceCombined
}
