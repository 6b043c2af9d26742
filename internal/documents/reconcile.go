package documents

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reconcileBatchSize = 200
	reconcileActor     = "system:mirror-sync"
)

// ReconcileReport summarizes a mirror reconciliation run.
type ReconcileReport struct {
	Written int
	Removed int
	Failed  int
}

// ReconcileMirrors rewrites the mirror of every stored document and removes mirror files
// whose rows no longer exist. Each document is attempted once; failures are collected
// and returned together after the run completes.
func (s *Service) ReconcileMirrors(ctx context.Context) (ReconcileReport, error) {
	if err := s.ready(opReconcileMirror); err != nil {
		return ReconcileReport{}, err
	}

	var report ReconcileReport
	var failures *multierror.Error
	stored := make(map[string]struct{})

	var batch []Document
	scan := s.db.WithContext(ctx).
		Model(&Document{}).
		FindInBatches(&batch, reconcileBatchSize, func(_ *gorm.DB, _ int) error {
			for _, document := range batch {
				stored[document.ID] = struct{}{}
				if err := s.writeMirror(ctx, opReconcileMirror, reconcileActor, document); err != nil {
					report.Failed++
					failures = multierror.Append(failures, fmt.Errorf("document %s: %w", document.ID, err))
					continue
				}
				report.Written++
			}
			return nil
		})
	if scan.Error != nil {
		s.logError(opReconcileMirror, "query_failed", scan.Error)
		return report, newServiceError(opReconcileMirror, "query_failed", scan.Error)
	}

	mirrored, err := s.mirror.List(ctx)
	if err != nil {
		s.logError(opReconcileMirror, "mirror_list_failed", err)
		failures = multierror.Append(failures, newServiceError(opReconcileMirror, "mirror_list_failed", err))
		return report, failures.ErrorOrNil()
	}
	for _, documentID := range mirrored {
		if _, ok := stored[documentID]; ok {
			continue
		}
		if err := s.mirror.Delete(ctx, documentID); err != nil {
			report.Failed++
			s.logError(opReconcileMirror, "mirror_delete_failed", err, zap.String("document_id", documentID))
			failures = multierror.Append(failures, fmt.Errorf("orphan %s: %w", documentID, err))
			continue
		}
		report.Removed++
	}

	s.loggerOrDefault().Info("mirror reconciliation finished",
		zap.Int("written", report.Written),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed))
	return report, failures.ErrorOrNil()
}
