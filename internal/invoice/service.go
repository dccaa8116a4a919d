package invoice

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique IDs for records and approvals.
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs. IDs are never reused.
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Upload is one raw document submitted for ingestion. Extraction has
// already happened out-of-band; its structured output travels alongside.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	// UserID identifies the submitting user within the account, when
	// the caller supplies one.
	UserID string
}

// Extracted is the structured output of the external extractor for one
// document.
type Extracted struct {
	Headers    Fields
	LineItems  []Fields
	Confidence float64
}

// DefaultMinConfidence is the extraction confidence an auto-approval
// requires.
const DefaultMinConfidence = 0.5

// Service is the ingestion and lifecycle engine. It orchestrates quota
// reservation, blob storage, record creation and classification, and
// governs all later status transitions.
type Service struct {
	db            DB
	ledger        *Ledger
	storage       Storage
	detector      *Detector
	idGen         IDGenerator
	clock         TimeSource
	minConfidence float64
}

// NewService creates a Service with default ID generator and time source.
func NewService(db DB, ledger *Ledger, storage Storage, detector *Detector) *Service {
	return NewServiceWithDeps(db, ledger, storage, detector, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing.
func NewServiceWithDeps(db DB, ledger *Ledger, storage Storage, detector *Detector, idGen IDGenerator, clock TimeSource) *Service {
	return &Service{
		db:            db,
		ledger:        ledger,
		storage:       storage,
		detector:      detector,
		idGen:         idGen,
		clock:         clock,
		minConfidence: DefaultMinConfidence,
	}
}

// SetMinConfidence overrides the auto-approval confidence threshold.
func (s *Service) SetMinConfidence(min float64) {
	s.minConfidence = min
}

// sanitizeFilename cleans up a filename by removing special characters
// and truncating length, then lowercasing the extension.
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")
	reg = regexp.MustCompile(`\s+`)
	base = reg.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// Ingest accepts one extracted document for an account and classifies
// it. Ingestion is durable-first: once the blob is stored and the
// pending record inserted, classification failures attach a reason and
// route the record to hold instead of rolling anything back. Before
// that point every failure releases the upload-quota reservation.
func (s *Service) Ingest(accountID string, upload Upload, extracted Extracted) (*ExtractionRecord, error) {
	if err := extracted.Headers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid header fields: %w", err)
	}
	for i, item := range extracted.LineItems {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("invalid line item %d: %w", i, err)
		}
	}

	reservation, err := s.ledger.Reserve(accountID, QuotaUpload)
	if err != nil {
		return nil, err
	}

	id := s.idGen.Generate()
	now := s.clock.Now()

	path, err := s.storage.Save(accountID, fmt.Sprintf("%s_%s", id, sanitizeFilename(upload.Filename)), upload.Data)
	if err != nil {
		if releaseErr := s.ledger.Release(reservation); releaseErr != nil {
			slog.Error("Failed to release upload reservation", "account_id", accountID, "error", releaseErr)
		}
		return nil, err
	}

	checksum := sha256.Sum256(upload.Data)
	record := &ExtractionRecord{
		ID:          id,
		AccountID:   accountID,
		UserID:      upload.UserID,
		FilePath:    path,
		Checksum:    hex.EncodeToString(checksum[:]),
		ContentType: upload.ContentType,
		Headers:     extracted.Headers,
		LineItems:   extracted.LineItems,
		Confidence:  extracted.Confidence,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveRecord(record); err != nil {
		if releaseErr := s.ledger.Release(reservation); releaseErr != nil {
			slog.Error("Failed to release upload reservation", "account_id", accountID, "error", releaseErr)
		}
		return nil, &PersistenceError{Op: "insert record", Err: err}
	}

	// From here on the record and the consumed upload unit stay put.
	s.classify(record)
	return record, nil
}

// classify assigns the record's post-ingestion status. It never fails
// the ingestion: any error here parks the record in hold with the
// reason attached for operator remediation.
func (s *Service) classify(record *ExtractionRecord) {
	if _, err := s.ledger.Reserve(record.AccountID, QuotaExtraction); err != nil {
		slog.Warn("Extraction quota reservation failed, holding record",
			"record_id", record.ID, "account_id", record.AccountID, "error", err)
		var quotaErr *QuotaExceededError
		if errors.As(err, &quotaErr) {
			s.hold(record, "extraction quota exhausted")
		} else {
			s.hold(record, fmt.Sprintf("extraction quota check failed: %v", err))
		}
		return
	}

	duplicateOf, found, err := s.detector.FindDuplicate(record.AccountID, record)
	if err != nil {
		slog.Warn("Duplicate check failed, holding record", "record_id", record.ID, "error", err)
		s.hold(record, fmt.Sprintf("duplicate check failed: %v", err))
		return
	}
	if found {
		record.Status = StatusDuplicate
		record.DuplicateOf = duplicateOf
		record.UpdatedAt = s.clock.Now()
		s.saveClassification(record)
		return
	}

	if reason, ok := validateRequiredFields(record.Headers); !ok {
		s.hold(record, reason)
		return
	}
	// A zero confidence counts as below threshold: an extractor that
	// reports no confidence does not get to auto-approve.
	if record.Confidence < s.minConfidence {
		s.hold(record, fmt.Sprintf("extraction confidence %.2f below threshold %.2f", record.Confidence, s.minConfidence))
		return
	}

	approval := &InvoiceApproved{
		ID:                s.idGen.Generate(),
		InvoiceDocumentID: record.ID,
		Accepted:          true,
		ExportStatus:      ExportPendingExport,
		CreatedAt:         s.clock.Now(),
		UpdatedAt:         s.clock.Now(),
	}
	if err := s.db.SaveApproval(approval); err != nil {
		slog.Warn("Approval creation failed, holding record", "record_id", record.ID, "error", err)
		s.hold(record, fmt.Sprintf("approval creation failed: %v", err))
		return
	}
	record.Status = StatusApproved
	record.UpdatedAt = s.clock.Now()
	s.saveClassification(record)
}

// validateRequiredFields checks the header fields an auto-approval
// requires: an invoice number and a positive total amount.
func validateRequiredFields(headers Fields) (reason string, ok bool) {
	if _, ok := normalizedInvoiceNumber(headers); !ok {
		return "missing invoice number", false
	}
	amount, ok := headers.Number(HeaderTotalAmount)
	if !ok {
		return "missing total amount", false
	}
	if amount.Sign() <= 0 {
		return "total amount is not positive", false
	}
	return "", true
}

func (s *Service) hold(record *ExtractionRecord, reason string) {
	record.Status = StatusHold
	record.StatusReason = reason
	record.UpdatedAt = s.clock.Now()
	s.saveClassification(record)
}

// saveClassification persists a status change. A failure here leaves
// the record pending on disk, which a later classification retry or a
// manual review sweep picks up.
func (s *Service) saveClassification(record *ExtractionRecord) {
	if err := s.db.SaveRecord(record); err != nil {
		slog.Error("Failed to persist classification",
			"record_id", record.ID, "status", record.Status, "error", err)
	}
}

// GetRecord retrieves a record by ID.
func (s *Service) GetRecord(id string) (*ExtractionRecord, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return record, nil
}

// ListRecords returns all records for an account, optionally filtered
// by status.
func (s *Service) ListRecords(accountID string, status Status) ([]*ExtractionRecord, error) {
	var (
		records []*ExtractionRecord
		err     error
	)
	if status == "" {
		records, err = s.db.ListRecords(accountID)
	} else {
		records, err = s.db.ListRecordsByStatus(accountID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// GetRecordFile retrieves the stored blob for a record.
func (s *Service) GetRecordFile(id string) ([]byte, string, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting record: %w", err)
	}
	data, err := s.storage.Get(record.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting record file: %w", err)
	}
	return data, record.ContentType, nil
}

// GetAccount retrieves an account's usage row.
func (s *Service) GetAccount(id string) (*Account, error) {
	account, err := s.db.GetAccount(id)
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return account, nil
}

// ProvisionAccount stores a new account row with usage zeroed.
func (s *Service) ProvisionAccount(account *Account) error {
	now := s.clock.Now()
	account.UploadsUsed = 0
	account.ExtractionsUsed = 0
	account.CreatedAt = now
	account.UpdatedAt = now
	if err := s.db.SaveAccount(account); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	return nil
}
