package database

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"
)

var transactionsBucket = []byte("transactions")

type BoltDatabaseConfig struct {
	Path string
	// Timeout bounds how long Open waits for the file lock held by another process.
	Timeout time.Duration
}

// BoltDatabase is the durable TransactionStore. Every Put and Delete is a
// bolt read-write transaction, which is fsynced before it returns.
type BoltDatabase struct {
	db *bolt.DB
}

func NewBoltDatabase(config *BoltDatabaseConfig) (*BoltDatabase, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create directory for transaction store %s", config.Path)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open transaction store %s", config.Path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transactionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not create transactions bucket")
	}

	return &BoltDatabase{db: db}, nil
}

func (b *BoltDatabase) Put(record *domain.TransactionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "could not encode transaction '%s'", record.TransactionID)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).Put([]byte(record.TransactionID), data)
	})

	return errors.Wrapf(err, "could not log transaction '%s' with status '%s'", record.TransactionID, record.Status)
}

func (b *BoltDatabase) Get(txID string) (*domain.TransactionRecord, error) {
	var record *domain.TransactionRecord

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(transactionsBucket).Get([]byte(txID))
		if data == nil {
			return domain.NotFoundError{Key: txID}
		}

		record = &domain.TransactionRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (b *BoltDatabase) Delete(txID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).Delete([]byte(txID))
	})

	return errors.Wrapf(err, "could not delete transaction '%s'", txID)
}

func (b *BoltDatabase) List() ([]*domain.TransactionRecord, error) {
	records := make([]*domain.TransactionRecord, 0)

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			record := &domain.TransactionRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return errors.Wrapf(err, "could not decode transaction '%s'", string(k))
			}

			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (b *BoltDatabase) Close() error {
	return b.db.Close()
}
