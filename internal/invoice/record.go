package invoice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an extraction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHold      Status = "hold"
	StatusDuplicate Status = "duplicate"
	StatusApproved  Status = "approved"
)

// ExportStatus tracks where an approval sits in the export pipeline.
type ExportStatus string

const (
	ExportNotExported   ExportStatus = "not_exported"
	ExportPendingExport ExportStatus = "pending_export"
	ExportExported      ExportStatus = "exported"
	ExportFailed        ExportStatus = "export_failed"
)

// FieldKind tags the scalar type of an extracted field value.
type FieldKind string

const (
	FieldText   FieldKind = "text"
	FieldNumber FieldKind = "number"
	FieldDate   FieldKind = "date"
	FieldBool   FieldKind = "bool"
)

// Recognized header field names.
const (
	HeaderInvoiceNumber = "invoice_number"
	HeaderInvoiceDate   = "invoice_date"
	HeaderTotalAmount   = "total_amount"
	HeaderCurrency      = "currency"
	HeaderVendorName    = "vendor_name"
)

// Recognized line-item field names.
const (
	LineDescription = "description"
	LineQuantity    = "quantity"
	LineUnitPrice   = "unit_price"
	LineAmount      = "amount"
)

// FieldValue is one extracted value tagged with its scalar kind.
type FieldValue struct {
	Kind   FieldKind       `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Number decimal.Decimal `json:"number"`
	Date   time.Time       `json:"date"`
	Bool   bool            `json:"bool,omitempty"`
}

// TextField builds a text-kind field value.
func TextField(s string) FieldValue {
	return FieldValue{Kind: FieldText, Text: s}
}

// NumberField builds a number-kind field value.
func NumberField(d decimal.Decimal) FieldValue {
	return FieldValue{Kind: FieldNumber, Number: d}
}

// DateField builds a date-kind field value.
func DateField(t time.Time) FieldValue {
	return FieldValue{Kind: FieldDate, Date: t}
}

// BoolField builds a bool-kind field value.
func BoolField(b bool) FieldValue {
	return FieldValue{Kind: FieldBool, Bool: b}
}

// Fields maps a field name to its extracted value.
type Fields map[string]FieldValue

// Validate rejects values with an unrecognized kind tag. Unknown shapes
// are refused at the ingestion boundary, not discovered at read time.
func (f Fields) Validate() error {
	for name, v := range f {
		switch v.Kind {
		case FieldText, FieldNumber, FieldDate, FieldBool:
		default:
			return fmt.Errorf("field %q has unrecognized kind %q", name, v.Kind)
		}
	}
	return nil
}

// Text returns the named field's text value if present with text kind.
func (f Fields) Text(name string) (string, bool) {
	v, ok := f[name]
	if !ok || v.Kind != FieldText {
		return "", false
	}
	return v.Text, true
}

// Number returns the named field's numeric value if present with number kind.
func (f Fields) Number(name string) (decimal.Decimal, bool) {
	v, ok := f[name]
	if !ok || v.Kind != FieldNumber {
		return decimal.Decimal{}, false
	}
	return v.Number, true
}

// Review is one entry in a record's append-only review history.
type Review struct {
	Decision  string    `json:"decision"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractionRecord is the persisted representation of one ingested
// invoice document and its structured data. Records follow a soft
// lifecycle and are never physically deleted.
type ExtractionRecord struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	UserID       string    `json:"user_id,omitempty"`
	FilePath     string    `json:"file_path"`
	Checksum     string    `json:"checksum"`
	ContentType  string    `json:"content_type"`
	Headers      Fields    `json:"invoice_headers"`
	LineItems    []Fields  `json:"invoice_line_items,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	DuplicateOf  string    `json:"duplicate_of,omitempty"`
	Reviews      []Review  `json:"reviews,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InvoiceApproved is the finalized approval and export-tracking entity
// derived from an approved record. At most one exists per record.
type InvoiceApproved struct {
	ID                string       `json:"id"`
	InvoiceDocumentID string       `json:"invoice_document_id"`
	Accepted          bool         `json:"accepted"`
	ExportStatus      ExportStatus `json:"export_status"`
	ExportError       string       `json:"export_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Account is the billing unit subject to upload and extraction quotas.
// Accounts are provisioned externally; this core only reads them and
// mutates usage through the quota ledger.
type Account struct {
	ID               string    `json:"id"`
	SubscriptionTier string    `json:"subscription_tier"`
	UploadsUsed      int       `json:"uploads_used"`
	UploadsLimit     int       `json:"uploads_limit"`
	ExtractionsUsed  int       `json:"extractions_used"`
	ExtractionsLimit int       `json:"extractions_limit"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
