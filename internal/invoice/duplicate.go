package invoice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// DetectorPolicy holds the deployment-tunable matching parameters: the
// amount tolerance and whether detection looks across accounts.
type DetectorPolicy struct {
	AmountTolerance decimal.Decimal
	CrossAccount    bool
}

// DefaultDetectorPolicy matches amounts within one cent, per account.
func DefaultDetectorPolicy() DetectorPolicy {
	return DetectorPolicy{AmountTolerance: decimal.New(1, -2)}
}

// Detector decides whether a newly extracted document matches an
// already-ingested invoice.
type Detector struct {
	db     DB
	policy DetectorPolicy
}

// NewDetector creates a detector over the given record store.
func NewDetector(db DB, policy DetectorPolicy) *Detector {
	return &Detector{db: db, policy: policy}
}

// FindDuplicate returns the ID of the earliest existing record that
// matches the candidate, if any. Two records match when they share the
// same normalized invoice number and a total amount within the policy
// tolerance, or the same blob checksum when the candidate carries no
// invoice number. The candidate set is read in one snapshot, so the
// result is deterministic for a fixed data set.
func (d *Detector) FindDuplicate(accountID string, candidate *ExtractionRecord) (string, bool, error) {
	var (
		records []*ExtractionRecord
		err     error
	)
	if d.policy.CrossAccount {
		records, err = d.db.ListAllRecords()
	} else {
		records, err = d.db.ListRecords(accountID)
	}
	if err != nil {
		return "", false, fmt.Errorf("listing records for duplicate check: %w", err)
	}

	// Earliest created wins; ID breaks exact-timestamp ties.
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	number, hasNumber := normalizedInvoiceNumber(candidate.Headers)
	amount, hasAmount := candidate.Headers.Number(HeaderTotalAmount)

	for _, record := range records {
		if record.ID == candidate.ID {
			continue
		}
		// Records already classified duplicate point at an original;
		// matching them would chain references.
		if record.Status == StatusDuplicate {
			continue
		}
		if hasNumber {
			existing, ok := normalizedInvoiceNumber(record.Headers)
			if !ok || existing != number {
				continue
			}
			existingAmount, ok := record.Headers.Number(HeaderTotalAmount)
			if !ok || !hasAmount {
				continue
			}
			if existingAmount.Sub(amount).Abs().Cmp(d.policy.AmountTolerance) > 0 {
				continue
			}
			return record.ID, true, nil
		}
		if candidate.Checksum != "" && record.Checksum == candidate.Checksum {
			return record.ID, true, nil
		}
	}
	return "", false, nil
}

// normalizedInvoiceNumber lowercases the invoice number and collapses
// its whitespace.
func normalizedInvoiceNumber(headers Fields) (string, bool) {
	raw, ok := headers.Text(HeaderInvoiceNumber)
	if !ok {
		return "", false
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if normalized == "" {
		return "", false
	}
	return normalized, true
}
