package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/invoiceflow/invoiceflow/internal/extraction"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeIngestError maps typed ingestion errors to HTTP statuses.
func writeIngestError(w http.ResponseWriter, err error) {
	var (
		quotaErr       *QuotaExceededError
		storageErr     *StorageError
		persistenceErr *PersistenceError
	)
	switch {
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusPaymentRequired, quotaErr.Error())
	case errors.As(err, &storageErr) && storageErr.Transient:
		writeError(w, http.StatusServiceUnavailable, storageErr.Error())
	case errors.As(err, &storageErr):
		writeError(w, http.StatusBadRequest, storageErr.Error())
	case errors.As(err, &persistenceErr):
		writeError(w, http.StatusInternalServerError, persistenceErr.Error())
	case errors.Is(err, ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// extractedFields converts extractor output into the record store's
// tagged field containers. Absent fields stay absent; validation
// decides later what that means for the record's status.
func extractedFields(data *extraction.InvoiceData) Extracted {
	headers := Fields{}
	if data.InvoiceNumber != "" {
		headers[HeaderInvoiceNumber] = TextField(data.InvoiceNumber)
	}
	if data.InvoiceDate != "" {
		if d, err := time.Parse("2006-01-02", data.InvoiceDate); err == nil {
			headers[HeaderInvoiceDate] = DateField(d)
		}
	}
	if data.TotalAmount != 0 {
		headers[HeaderTotalAmount] = NumberField(decimal.NewFromFloat(data.TotalAmount).Round(2))
	}
	if data.Currency != "" {
		headers[HeaderCurrency] = TextField(data.Currency)
	}
	if data.VendorName != "" {
		headers[HeaderVendorName] = TextField(data.VendorName)
	}

	lineItems := make([]Fields, 0, len(data.LineItems))
	for _, item := range data.LineItems {
		lineItems = append(lineItems, Fields{
			LineDescription: TextField(item.Description),
			LineQuantity:    NumberField(decimal.NewFromFloat(item.Quantity)),
			LineUnitPrice:   NumberField(decimal.NewFromFloat(item.UnitPrice).Round(2)),
			LineAmount:      NumberField(decimal.NewFromFloat(item.Amount).Round(2)),
		})
	}

	return Extracted{Headers: headers, LineItems: lineItems, Confidence: data.Confidence}
}

// handleUploadInvoice accepts a multipart document upload, runs the
// extractor, and ingests the result.
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}

	maxFormSize := int64(DefaultMaxBlobSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file")
		return
	}

	contentType := contentTypeFor(header.Header.Get("Content-Type"), header.Filename)

	// The extractor is best-effort: a failed extraction still ingests
	// the document so it is not silently lost, and validation routes
	// the empty record to hold.
	extracted := Extracted{Headers: Fields{}}
	if invoiceData, extractErr := s.extractor.ExtractInvoice(data, contentType); extractErr != nil {
		slog.Warn("Extraction failed, ingesting without fields",
			"filename", header.Filename, "content_type", contentType, "error", extractErr)
	} else {
		extracted = extractedFields(invoiceData)
	}

	record, err := s.service.Ingest(accountID, Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
		UserID:      strings.TrimSpace(r.Header.Get("X-User-ID")),
	}, extracted)
	if err != nil {
		slog.Error("Error ingesting invoice", "filename", header.Filename, "account_id", accountID, "error", err)
		writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// contentTypeFor falls back to an extension-based guess when the client
// sent no content type.
func contentTypeFor(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListInvoices returns the account's records, optionally filtered
// by status.
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	records, err := s.service.ListRecords(accountID, Status(r.URL.Query().Get("status")))
	if err != nil {
		slog.Error("Error listing invoices", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// record resolves the caller's account and loads the addressed record.
// A record owned by another account reads as not found, so record IDs
// leak nothing across accounts.
func (s *Server) record(w http.ResponseWriter, r *http.Request) (*ExtractionRecord, bool) {
	accountID, ok := s.account(w, r)
	if !ok {
		return nil, false
	}
	record, err := s.service.GetRecord(r.PathValue("id"))
	if err != nil || record.AccountID != accountID {
		writeError(w, http.StatusNotFound, "Invoice not found")
		return nil, false
	}
	return record, true
}

// handleGetInvoice returns a single record.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	record, ok := s.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleGetInvoiceFile returns the stored document for a record.
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	record, ok := s.record(w, r)
	if !ok {
		return
	}
	data, contentType, err := s.service.GetRecordFile(record.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleReviewInvoice applies an approve/reject decision to a record.
func (s *Server) handleReviewInvoice(w http.ResponseWriter, r *http.Request) {
	record, ok := s.record(w, r)
	if !ok {
		return
	}

	var req struct {
		Decision string `json:"decision"`
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	approval, err := s.service.Promote(record.ID, Decision(req.Decision), req.Reviewer, req.Note)
	if err != nil {
		var transitionErr *InvalidTransitionError
		switch {
		case errors.As(err, &transitionErr):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "Invoice not found")
		default:
			slog.Error("Error reviewing invoice", "record_id", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	if approval == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// handleListExports returns approvals pending export.
func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.service.ListPendingExport()
	if err != nil {
		slog.Error("Error listing exports", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

// handleRunExport drives the export collaborator over the pending queue
// once.
func (s *Server) handleRunExport(w http.ResponseWriter, r *http.Request) {
	exported, failed, err := s.service.RunExport(s.exporter)
	if err != nil {
		slog.Error("Export run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"exported": exported, "failed": failed})
}

// handleGetAccount returns the caller's account usage.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.account(w, r)
	if !ok {
		return
	}
	account, err := s.service.GetAccount(accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// handleProvisionAccount stores a new account row. Provisioning is
// normally the identity provider's job; this endpoint backs operator
// tooling and tests.
func (s *Server) handleProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var account Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if account.ID == "" {
		writeError(w, http.StatusBadRequest, "Account ID required")
		return
	}
	if err := s.service.ProvisionAccount(&account); err != nil {
		slog.Error("Error provisioning account", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, &account)
}
