package invoice

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Decision is a reviewer's verdict on a held or duplicate record.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Exporter is the external collaborator that consumes approvals pending
// export.
type Exporter interface {
	Export(approval *InvoiceApproved, record *ExtractionRecord) error
}

// Promote applies a review decision to a record in hold or duplicate.
// Approve flips the record to approved and creates (or finalizes) its
// approval entity with export pending. Reject leaves the status alone
// and appends to the record's review history. Promoting an
// already-approved record is an InvalidTransitionError, not a silent
// success, because approval makes the record export-eligible.
func (s *Service) Promote(recordID string, decision Decision, reviewer, note string) (*InvoiceApproved, error) {
	record, err := s.db.GetRecord(recordID)
	if err != nil {
		return nil, fmt.Errorf("getting record for review: %w", err)
	}
	if record.Status != StatusHold && record.Status != StatusDuplicate {
		return nil, &InvalidTransitionError{RecordID: recordID, From: record.Status, Attempt: string(decision)}
	}

	now := s.clock.Now()
	record.Reviews = append(record.Reviews, Review{
		Decision:  string(decision),
		Reviewer:  reviewer,
		Note:      note,
		CreatedAt: now,
	})
	record.UpdatedAt = now

	switch decision {
	case DecisionReject:
		if err := s.db.SaveRecord(record); err != nil {
			return nil, &PersistenceError{Op: "record review", Err: err}
		}
		return nil, nil
	case DecisionApprove:
		approval, err := s.db.GetApprovalForRecord(recordID)
		if errors.Is(err, ErrApprovalNotFound) {
			approval = &InvoiceApproved{
				ID:                s.idGen.Generate(),
				InvoiceDocumentID: recordID,
				CreatedAt:         now,
			}
		} else if err != nil {
			return nil, &PersistenceError{Op: "load approval", Err: err}
		}
		approval.Accepted = true
		approval.ExportStatus = ExportPendingExport
		approval.UpdatedAt = now
		if err := s.db.SaveApproval(approval); err != nil {
			return nil, &PersistenceError{Op: "save approval", Err: err}
		}
		record.Status = StatusApproved
		record.StatusReason = ""
		if err := s.db.SaveRecord(record); err != nil {
			// The approval is durable; re-promoting finalizes it again.
			return nil, &PersistenceError{Op: "record approval", Err: err}
		}
		return approval, nil
	default:
		return nil, &InvalidTransitionError{RecordID: recordID, From: record.Status, Attempt: string(decision)}
	}
}

// ListPendingExport returns approvals waiting on the export collaborator.
func (s *Service) ListPendingExport() ([]*InvoiceApproved, error) {
	approvals, err := s.db.ListApprovalsByExportStatus(ExportPendingExport)
	if err != nil {
		return nil, fmt.Errorf("listing pending exports: %w", err)
	}
	return approvals, nil
}

// MarkExported finalizes an approval's export. Exported approvals are
// immutable, so any further transition is invalid.
func (s *Service) MarkExported(recordID string) error {
	return s.transitionExport(recordID, ExportPendingExport, ExportExported, "")
}

// MarkExportFailed records a failed export attempt. Failed exports stay
// retryable via RetryExport.
func (s *Service) MarkExportFailed(recordID string, reason string) error {
	return s.transitionExport(recordID, ExportPendingExport, ExportFailed, reason)
}

// RetryExport re-queues a failed export.
func (s *Service) RetryExport(recordID string) error {
	return s.transitionExport(recordID, ExportFailed, ExportPendingExport, "")
}

func (s *Service) transitionExport(recordID string, from, to ExportStatus, exportError string) error {
	approval, err := s.db.GetApprovalForRecord(recordID)
	if err != nil {
		return fmt.Errorf("getting approval: %w", err)
	}
	if approval.ExportStatus != from {
		return &InvalidTransitionError{RecordID: recordID, From: StatusApproved, Attempt: fmt.Sprintf("export %s -> %s", approval.ExportStatus, to)}
	}
	approval.ExportStatus = to
	approval.ExportError = exportError
	approval.UpdatedAt = s.clock.Now()
	if err := s.db.SaveApproval(approval); err != nil {
		return &PersistenceError{Op: "save approval", Err: err}
	}
	return nil
}

// RunExport drives the exporter over every approval pending export and
// records each outcome. Failures do not stop the run; the approvals
// stay retryable.
func (s *Service) RunExport(exporter Exporter) (exported, failed int, err error) {
	approvals, err := s.ListPendingExport()
	if err != nil {
		return 0, 0, err
	}

	var group errgroup.Group
	group.SetLimit(4)
	results := make([]bool, len(approvals))
	for i, approval := range approvals {
		group.Go(func() error {
			record, err := s.db.GetRecord(approval.InvoiceDocumentID)
			if err != nil {
				slog.Error("Export skipped, record missing", "record_id", approval.InvoiceDocumentID, "error", err)
				return s.MarkExportFailed(approval.InvoiceDocumentID, fmt.Sprintf("record lookup failed: %v", err))
			}
			if exportErr := exporter.Export(approval, record); exportErr != nil {
				slog.Warn("Export failed", "record_id", approval.InvoiceDocumentID, "error", exportErr)
				return s.MarkExportFailed(approval.InvoiceDocumentID, exportErr.Error())
			}
			results[i] = true
			return s.MarkExported(approval.InvoiceDocumentID)
		})
	}
	if waitErr := group.Wait(); waitErr != nil {
		err = waitErr
	}
	for _, ok := range results {
		if ok {
			exported++
		} else {
			failed++
		}
	}
	return exported, failed, err
}
