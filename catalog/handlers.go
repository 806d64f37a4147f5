package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// ReportPayload drives the generate_report job kind.
type ReportPayload struct {
	Report string   `json:"report"`
	IDs    []string `json:"ids,omitempty"`
}

// BulkUpdatePayload drives the bulk_update job kind: a deferred BulkUpdate
// for batches too large to run inside a request.
type BulkUpdatePayload struct {
	EntityType string                 `json:"entity_type"`
	IDs        []string               `json:"ids"`
	Fields     map[string]interface{} `json:"fields"`
}

// GenerateReportHandler walks the relevant collections and writes a report
// document back into the store.
func (s *Service) GenerateReportHandler(ctx context.Context, job *types.Job) error {
	var payload ReportPayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		return types.WrapError(err, "decode report payload")
	}

	filter := map[string]interface{}{}
	docs, err := s.store.Query(ctx, CollectionProducts, filter, 0)
	if err != nil {
		return err
	}

	var scoped []map[string]interface{}
	if len(payload.IDs) > 0 {
		wanted := make(map[string]struct{}, len(payload.IDs))
		for _, id := range payload.IDs {
			wanted[id] = struct{}{}
		}
		for _, doc := range docs {
			if id, ok := doc["internal_id"].(string); ok {
				if _, hit := wanted[id]; hit {
					scoped = append(scoped, doc)
				}
			}
		}
	} else {
		scoped = docs
	}

	reportID, err := s.store.Insert(ctx, "reports", map[string]interface{}{
		"report": payload.Report,
		"rows":   len(scoped),
		"job_id": job.ID,
	})
	if err != nil {
		return err
	}

	s.logger.Info("Report generated",
		zap.String("report", payload.Report),
		zap.String("report_id", reportID),
		zap.Int("rows", len(scoped)))
	return nil
}

// BulkUpdateHandler runs a deferred bulk mutation with the same observer
// semantics as the synchronous path.
func (s *Service) BulkUpdateHandler(ctx context.Context, job *types.Job) error {
	var payload BulkUpdatePayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		return types.WrapError(err, "decode bulk update payload")
	}

	if len(payload.IDs) == 0 || len(payload.Fields) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "bulk update needs ids and fields")
	}

	updated, err := s.BulkUpdate(ctx, types.EntityType(payload.EntityType), payload.IDs, payload.Fields)
	if err != nil {
		return err
	}

	s.logger.Info("Bulk update applied",
		zap.String("entity_type", payload.EntityType),
		zap.Int64("updated", updated),
		zap.String("job_id", job.ID))
	return nil
}
