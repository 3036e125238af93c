package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

// UpsertPackageRecord inserts a record for (agent, version) or, when the
// tuple already exists, updates the bytes-related fields in place while
// preserving the original id and creation time. Returns the stored record.
func (s *Bolt) UpsertPackageRecord(ctx context.Context, rec PackageRecord) (PackageRecord, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(packagesBucket))
		key := packageKey(rec.AgentID, rec.Version)

		if data := bucket.Get(key); data != nil {
			var existing PackageRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return errors.New(errors.CodeInternalError, "store", "failed to unmarshal package record", err)
			}
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.IsLatest = existing.IsLatest
		} else {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			rec.CreatedAt = time.Now().UTC()
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal package record", err)
		}
		return bucket.Put(key, out)
	})
	if err != nil {
		return PackageRecord{}, err
	}
	return rec, nil
}

// GetPackageRecord looks up one (agent, version) record.
func (s *Bolt) GetPackageRecord(ctx context.Context, agentID, version string) (PackageRecord, error) {
	var rec PackageRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(packagesBucket)).Get(packageKey(agentID, version))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("package %s@%s not found", agentID, version), nil)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return PackageRecord{}, err
	}
	return rec, nil
}

// ListPackageRecords returns every version record for one agent, in bucket
// (byte) order. Callers apply version ordering.
func (s *Bolt) ListPackageRecords(ctx context.Context, agentID string) ([]PackageRecord, error) {
	var records []PackageRecord
	prefix := []byte(agentID + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(packagesBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec PackageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetLatest flags (agent, version) as the latest record and clears the flag
// on every other version of the same agent, in one transaction.
func (s *Bolt) SetLatest(ctx context.Context, agentID, version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(packagesBucket))
		prefix := []byte(agentID + "/")

		found := false
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec PackageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			want := rec.Version == version
			if want {
				found = true
			}
			if rec.IsLatest == want {
				continue
			}
			rec.IsLatest = want
			out, err := json.Marshal(rec)
			if err != nil {
				return errors.New(errors.CodeInternalError, "store", "failed to marshal package record", err)
			}
			if err := bucket.Put(k, out); err != nil {
				return err
			}
		}

		if !found {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("package %s@%s not found", agentID, version), nil)
		}
		return nil
	})
}

// DeletePackageRecord removes one (agent, version) row. Returns the deleted
// record so callers can promote a successor when it was the latest.
func (s *Bolt) DeletePackageRecord(ctx context.Context, agentID, version string) (PackageRecord, error) {
	var rec PackageRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(packagesBucket))
		key := packageKey(agentID, version)

		data := bucket.Get(key)
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("package %s@%s not found", agentID, version), nil)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to unmarshal package record", err)
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return PackageRecord{}, err
	}
	return rec, nil
}
