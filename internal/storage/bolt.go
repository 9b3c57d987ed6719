// Package storage persists audit events and trust records in a bbolt
// database. The store doubles as an audit.Sink, so plugging it into the
// audit logger is enough to get a durable trail.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

const (
	// AuditEventsBucket holds audit records keyed by timestamp+ID.
	AuditEventsBucket = "audit_events"
	// TrustRecordsBucket holds one JSON record per server.
	TrustRecordsBucket = "trust_records"

	dbFileName  = "toolgate.db"
	openTimeout = 10 * time.Second
)

// BoltStore wraps the bbolt database.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (or creates) the database under dataDir and ensures the
// buckets exist.
func NewBoltStore(dataDir string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0644, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	store := &BoltStore{db: db, logger: logger}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Name identifies the store in health reports.
func (s *BoltStore) Name() string {
	return "storage"
}

// HealthCheck verifies the database still accepts read transactions.
func (s *BoltStore) HealthCheck(_ context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(AuditEventsBucket)) == nil {
			return fmt.Errorf("bucket %s missing", AuditEventsBucket)
		}
		return nil
	})
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{AuditEventsBucket, TrustRecordsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// eventKey builds a bucket key ordered by time first, ID second.
// Key format: {20-digit nanosecond timestamp}_{id}.
func eventKey(timestamp time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", timestamp.UnixNano(), id))
}

// Write appends one audit event. Implements audit.Sink; bbolt serializes
// writers internally, so concurrent sinks are safe.
func (s *BoltStore) Write(event *audit.SecurityEvent) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditEventsBucket))
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		return bucket.Put(eventKey(event.Timestamp, event.ID), data)
	})
}

// EventFilter selects audit events on read. Zero values match everything.
type EventFilter struct {
	Type     audit.EventType
	ServerID string
	UserID   string
	Since    time.Time
	Limit    int
}

func (f *EventFilter) matches(event *audit.SecurityEvent) bool {
	if f.Type != "" && event.Type != f.Type {
		return false
	}
	if f.ServerID != "" && event.ServerID != f.ServerID {
		return false
	}
	if f.UserID != "" && event.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ListEvents returns matching audit events, newest first.
func (s *BoltStore) ListEvents(filter EventFilter) ([]*audit.SecurityEvent, error) {
	var events []*audit.SecurityEvent

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditEventsBucket))
		cursor := bucket.Cursor()

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var event audit.SecurityEvent
			if err := json.Unmarshal(v, &event); err != nil {
				s.logger.Warn("skipping unreadable audit record",
					zap.String("key", string(k)), zap.Error(err))
				continue
			}
			if !filter.matches(&event) {
				continue
			}
			events = append(events, &event)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				return nil
			}
		}
		return nil
	})

	return events, err
}

// PruneEvents deletes audit events older than the cutoff and returns how many
// were removed.
func (s *BoltStore) PruneEvents(cutoff time.Time) (int, error) {
	removed := 0
	boundary := eventKey(cutoff, "")

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AuditEventsBucket))
		cursor := bucket.Cursor()

		for k, _ := cursor.First(); k != nil && string(k) < string(boundary); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// SaveTrustSnapshot replaces the persisted trust table with the given
// records.
func (s *BoltStore) SaveTrustSnapshot(records []*trust.ServerTrust) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(TrustRecordsBucket)); err != nil {
			return fmt.Errorf("failed to clear trust bucket: %w", err)
		}
		bucket, err := tx.CreateBucket([]byte(TrustRecordsBucket))
		if err != nil {
			return fmt.Errorf("failed to recreate trust bucket: %w", err)
		}

		for _, record := range records {
			if record == nil || record.ServerID == "" {
				continue
			}
			data, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to marshal trust record %s: %w", record.ServerID, err)
			}
			if err := bucket.Put([]byte(record.ServerID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTrustSnapshot reads all persisted trust records.
func (s *BoltStore) LoadTrustSnapshot() ([]*trust.ServerTrust, error) {
	var records []*trust.ServerTrust

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(TrustRecordsBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record trust.ServerTrust
			if err := json.Unmarshal(v, &record); err != nil {
				s.logger.Warn("skipping unreadable trust record",
					zap.String("server_id", string(k)), zap.Error(err))
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})

	return records, err
}
