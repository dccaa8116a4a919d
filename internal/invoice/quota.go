package invoice

import (
	"fmt"
	"sync"
)

// QuotaKind names a metered resource.
type QuotaKind string

const (
	QuotaUpload     QuotaKind = "upload"
	QuotaExtraction QuotaKind = "extraction"
)

// Reservation is a provisional quota consumption. It must either stand
// (the document was durably stored) or be released back to the account.
type Reservation struct {
	AccountID string
	Kind      QuotaKind
	Amount    int

	mu       sync.Mutex
	released bool
}

// Ledger enforces per-account upload and extraction limits. All
// mutation goes through the record store's single-writer account
// update, so two concurrent reservations for the same account can never
// both take the last remaining unit.
type Ledger struct {
	db DB
}

// NewLedger creates a ledger backed by the given record store.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve atomically checks and increments the account's usage for the
// given kind. On QuotaExceededError the account is unchanged.
func (l *Ledger) Reserve(accountID string, kind QuotaKind) (*Reservation, error) {
	err := l.db.UpdateAccount(accountID, func(account *Account) error {
		used, limit := usage(account, kind)
		if used+1 > limit {
			return &QuotaExceededError{AccountID: accountID, Kind: kind, Used: used, Limit: limit}
		}
		setUsage(account, kind, used+1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Reservation{AccountID: accountID, Kind: kind, Amount: 1}, nil
}

// Release returns a reservation's units to the account. It is used when
// a downstream step fails after a successful reservation, so quota is
// never consumed for a document that was never durably stored. Calling
// Release twice on the same reservation is a no-op.
func (l *Ledger) Release(r *Reservation) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	err := l.db.UpdateAccount(r.AccountID, func(account *Account) error {
		used, _ := usage(account, r.Kind)
		used -= r.Amount
		if used < 0 {
			used = 0
		}
		setUsage(account, r.Kind, used)
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing %s reservation for account %s: %w", r.Kind, r.AccountID, err)
	}
	r.released = true
	return nil
}

func usage(account *Account, kind QuotaKind) (used, limit int) {
	if kind == QuotaExtraction {
		return account.ExtractionsUsed, account.ExtractionsLimit
	}
	return account.UploadsUsed, account.UploadsLimit
}

func setUsage(account *Account, kind QuotaKind, used int) {
	if kind == QuotaExtraction {
		account.ExtractionsUsed = used
		return
	}
	account.UploadsUsed = used
}
