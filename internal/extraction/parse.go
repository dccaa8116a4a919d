package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateFormats are the date layouts extractor output has been seen in.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// parseInvoiceJSON parses the model's JSON response, tolerating
// markdown fences and stray text around the object.
func parseInvoiceJSON(text string) (*InvoiceData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data InvoiceData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.InvoiceNumber = strings.TrimSpace(data.InvoiceNumber)
	data.VendorName = strings.TrimSpace(data.VendorName)
	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))
	data.InvoiceDate = normalizeDate(data.InvoiceDate)
	if data.Confidence < 0 {
		data.Confidence = 0
	}
	if data.Confidence > 1 {
		data.Confidence = 1
	}

	return &data, nil
}

// normalizeDate converts any recognized date layout to ISO 8601. An
// unparseable or empty date comes back empty rather than guessed; a
// missing invoice date is a review signal, not something to invent.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
