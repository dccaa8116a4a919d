package invoice

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	accountBucketName  = "accounts"
	recordBucketName   = "records"
	approvalBucketName = "approvals"
)

// DB defines the interface for the persistent record store.
type DB interface {
	// SaveAccount stores an account row.
	SaveAccount(account *Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(id string) (*Account, error)

	// UpdateAccount applies fn to the account inside a single write
	// transaction. If fn returns an error nothing is written. This is
	// the serialization point for all quota mutation.
	UpdateAccount(id string, fn func(*Account) error) error

	// SaveRecord stores an extraction record.
	SaveRecord(record *ExtractionRecord) error

	// GetRecord retrieves a record by ID.
	GetRecord(id string) (*ExtractionRecord, error)

	// ListRecords returns all records for an account, read in one
	// snapshot.
	ListRecords(accountID string) ([]*ExtractionRecord, error)

	// ListAllRecords returns every record regardless of account.
	ListAllRecords() ([]*ExtractionRecord, error)

	// ListRecordsByStatus returns an account's records in a given status.
	ListRecordsByStatus(accountID string, status Status) ([]*ExtractionRecord, error)

	// SaveApproval stores an approval entity, keyed by the record it
	// references so a record can never hold two approvals.
	SaveApproval(approval *InvoiceApproved) error

	// GetApprovalForRecord retrieves the approval referencing a record.
	GetApprovalForRecord(recordID string) (*InvoiceApproved, error)

	// ListApprovalsByExportStatus returns approvals in an export state.
	ListApprovalsByExportStatus(status ExportStatus) ([]*InvoiceApproved, error)

	// Close closes the database.
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file and its buckets.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{accountBucketName, recordBucketName, approvalBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveAccount stores an account row.
func (b *BoltDB) SaveAccount(account *Account) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(account)
		if err != nil {
			return fmt.Errorf("marshaling account: %w", err)
		}
		return tx.Bucket([]byte(accountBucketName)).Put([]byte(account.ID), data)
	})
}

// GetAccount retrieves an account by ID.
func (b *BoltDB) GetAccount(id string) (*Account, error) {
	var account *Account
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(accountBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return json.Unmarshal(data, &account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateAccount applies fn to the account inside one write transaction.
// Bolt serializes writers, so concurrent updates of the same account
// never interleave their read-modify-write.
func (b *BoltDB) UpdateAccount(id string, fn func(*Account) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(accountBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		var account Account
		if err := json.Unmarshal(data, &account); err != nil {
			return fmt.Errorf("unmarshaling account: %w", err)
		}
		if err := fn(&account); err != nil {
			return err
		}
		updated, err := json.Marshal(&account)
		if err != nil {
			return fmt.Errorf("marshaling account: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// SaveRecord stores an extraction record.
func (b *BoltDB) SaveRecord(record *ExtractionRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return tx.Bucket([]byte(recordBucketName)).Put([]byte(record.ID), data)
	})
}

// GetRecord retrieves a record by ID.
func (b *BoltDB) GetRecord(id string) (*ExtractionRecord, error) {
	var record *ExtractionRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(recordBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (b *BoltDB) listRecords(match func(*ExtractionRecord) bool) ([]*ExtractionRecord, error) {
	records := make([]*ExtractionRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(recordBucketName)).ForEach(func(k, v []byte) error {
			var record ExtractionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if match(&record) {
				records = append(records, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListRecords returns all records for an account. The iteration runs in
// a single view transaction, so the result is a consistent snapshot.
func (b *BoltDB) ListRecords(accountID string) ([]*ExtractionRecord, error) {
	return b.listRecords(func(r *ExtractionRecord) bool {
		return r.AccountID == accountID
	})
}

// ListAllRecords returns every record regardless of account.
func (b *BoltDB) ListAllRecords() ([]*ExtractionRecord, error) {
	return b.listRecords(func(*ExtractionRecord) bool { return true })
}

// ListRecordsByStatus returns an account's records in a given status.
func (b *BoltDB) ListRecordsByStatus(accountID string, status Status) ([]*ExtractionRecord, error) {
	return b.listRecords(func(r *ExtractionRecord) bool {
		return r.AccountID == accountID && r.Status == status
	})
}

// SaveApproval stores an approval entity keyed by its record ID.
func (b *BoltDB) SaveApproval(approval *InvoiceApproved) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(approval)
		if err != nil {
			return fmt.Errorf("marshaling approval: %w", err)
		}
		return tx.Bucket([]byte(approvalBucketName)).Put([]byte(approval.InvoiceDocumentID), data)
	})
}

// GetApprovalForRecord retrieves the approval referencing a record.
func (b *BoltDB) GetApprovalForRecord(recordID string) (*InvoiceApproved, error) {
	var approval *InvoiceApproved
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(approvalBucketName)).Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%w: record %s", ErrApprovalNotFound, recordID)
		}
		return json.Unmarshal(data, &approval)
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// ListApprovalsByExportStatus returns approvals in an export state.
func (b *BoltDB) ListApprovalsByExportStatus(status ExportStatus) ([]*InvoiceApproved, error) {
	approvals := make([]*InvoiceApproved, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(approvalBucketName)).ForEach(func(k, v []byte) error {
			var approval InvoiceApproved
			if err := json.Unmarshal(v, &approval); err != nil {
				return fmt.Errorf("unmarshaling approval: %w", err)
			}
			if approval.ExportStatus == status {
				approvals = append(approvals, &approval)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}
