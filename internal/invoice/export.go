package invoice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileExporter is a minimal export collaborator that drops one JSON
// document per approval into a directory, for downstream systems that
// poll a drop folder.
type FileExporter struct {
	dir string
}

// NewFileExporter creates the drop directory if needed.
func NewFileExporter(dir string) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	return &FileExporter{dir: dir}, nil
}

// Export writes the approval and its record as one JSON document.
func (e *FileExporter) Export(approval *InvoiceApproved, record *ExtractionRecord) error {
	payload := struct {
		Approval *InvoiceApproved  `json:"approval"`
		Record   *ExtractionRecord `json:"record"`
	}{Approval: approval, Record: record}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling export payload: %w", err)
	}
	path := filepath.Join(e.dir, record.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing export file: %w", err)
	}
	return nil
}
