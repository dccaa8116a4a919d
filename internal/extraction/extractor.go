package extraction

// LineItem is one extracted invoice line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// InvoiceData contains the structured fields extracted from an invoice
// document.
type InvoiceData struct {
	InvoiceNumber string     `json:"invoice_number"`
	InvoiceDate   string     `json:"invoice_date"` // ISO 8601 format
	TotalAmount   float64    `json:"total_amount"`
	Currency      string     `json:"currency"`
	VendorName    string     `json:"vendor_name"`
	LineItems     []LineItem `json:"line_items"`
	Confidence    float64    `json:"confidence"`
}

// Extractor defines the interface to the external extractor service.
type Extractor interface {
	// ExtractInvoice analyzes an invoice image/PDF and returns its
	// structured fields.
	ExtractInvoice(documentData []byte, contentType string) (*InvoiceData, error)
	// Close closes the extractor and releases resources
	Close() error
}
