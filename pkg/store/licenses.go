package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

// HasActiveLicense reports whether the user holds an active license for the
// agent. This is the license predicate the pipeline consults.
func (s *Bolt) HasActiveLicense(ctx context.Context, userID, agentID string) (bool, error) {
	var active bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(licensesBucket)).Get(licenseKey(userID, agentID))
		if data == nil {
			return nil
		}
		var lic License
		if err := json.Unmarshal(data, &lic); err != nil {
			return nil
		}
		active = lic.Active()
		return nil
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// GetLicense returns the license for (user, agent).
func (s *Bolt) GetLicense(ctx context.Context, userID, agentID string) (License, error) {
	var lic License

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(licensesBucket)).Get(licenseKey(userID, agentID))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("license for %s on %s not found", userID, agentID), nil)
		}
		return json.Unmarshal(data, &lic)
	})
	if err != nil {
		return License{}, err
	}
	return lic, nil
}

// MintFreeLicense creates (or reactivates) a free license for (user, agent).
// Idempotent: an existing active license is returned unchanged.
func (s *Bolt) MintFreeLicense(ctx context.Context, userID, agentID string) (License, error) {
	var lic License

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(licensesBucket))
		key := licenseKey(userID, agentID)

		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &lic); err == nil && lic.Active() {
				return nil
			}
		}

		lic = License{
			ID:        uuid.NewString(),
			UserID:    userID,
			AgentID:   agentID,
			Status:    "active",
			Source:    "free",
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(lic)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal license", err)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return License{}, err
	}
	return lic, nil
}
