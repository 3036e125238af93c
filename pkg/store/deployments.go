package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

// CreateDeployment inserts a new deployment record and returns its id. The
// record always starts in pending unless the caller set a state explicitly.
func (s *Bolt) CreateDeployment(ctx context.Context, d Deployment) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.State == "" {
		d.State = StatePending
	}
	if d.Environment == "" {
		d.Environment = "production"
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(deploymentsBucket))
		if bucket.Get([]byte(d.ID)) != nil {
			return errors.New(errors.CodeAlreadyExists, "store", fmt.Sprintf("deployment %s already exists", d.ID), nil)
		}
		data, err := json.Marshal(d)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal deployment", err)
		}
		return bucket.Put([]byte(d.ID), data)
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// GetDeployment retrieves a deployment by id.
func (s *Bolt) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var d Deployment

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(deploymentsBucket)).Get([]byte(id))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("deployment %s not found", id), nil)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// UpdateDeployment applies a partial patch inside one transaction and
// returns the patched record.
func (s *Bolt) UpdateDeployment(ctx context.Context, id string, patch DeploymentPatch) (Deployment, error) {
	var d Deployment

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(deploymentsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("deployment %s not found", id), nil)
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to unmarshal deployment", err)
		}

		applyPatch(&d, patch)
		d.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(d)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal deployment", err)
		}
		return bucket.Put([]byte(id), out)
	})
	if err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// CompareAndSetState transitions the deployment's state only when its
// current state is one of expect. Returns false (no error) when the guard
// does not hold, so racing lifecycle operations resolve to whichever
// commits first.
func (s *Bolt) CompareAndSetState(ctx context.Context, id string, expect []DeploymentState, to DeploymentState, patch DeploymentPatch) (bool, error) {
	swapped := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(deploymentsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("deployment %s not found", id), nil)
		}

		var d Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to unmarshal deployment", err)
		}

		ok := len(expect) == 0
		for _, st := range expect {
			if d.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return nil
		}

		applyPatch(&d, patch)
		d.State = to
		d.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(d)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal deployment", err)
		}
		if err := bucket.Put([]byte(id), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// ListDeployments returns deployments matching the filter, newest first.
func (s *Bolt) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]Deployment, error) {
	var out []Deployment

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(deploymentsBucket)).ForEach(func(k, v []byte) error {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if filter.matches(d) {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteDeployment removes a deployment row. Idempotent.
func (s *Bolt) DeleteDeployment(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(deploymentsBucket)).Delete([]byte(id))
	})
}

// DeploymentStats summarizes deployments for one owner by state and
// platform.
func (s *Bolt) DeploymentStats(ctx context.Context, userID string) (StatsSummary, error) {
	stats := StatsSummary{
		ByState:  map[DeploymentState]int{},
		Platform: map[string]int{},
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(deploymentsBucket)).ForEach(func(k, v []byte) error {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if userID != "" && d.UserID != userID {
				return nil
			}
			stats.Total++
			stats.ByState[d.State]++
			stats.Platform[d.Platform]++
			return nil
		})
	})
	if err != nil {
		return StatsSummary{}, err
	}
	return stats, nil
}

func applyPatch(d *Deployment, patch DeploymentPatch) {
	if patch.State != nil {
		d.State = *patch.State
	}
	if patch.ExternalID != nil {
		d.ExternalID = *patch.ExternalID
	}
	if patch.AccessURL != nil {
		d.AccessURL = *patch.AccessURL
	}
	if patch.ErrorMessage != nil {
		d.ErrorMessage = *patch.ErrorMessage
	}
	if patch.DeployedAt != nil {
		d.DeployedAt = patch.DeployedAt
	}
	if patch.StoppedAt != nil {
		d.StoppedAt = patch.StoppedAt
	}
	if patch.LastHealthCheck != nil {
		d.LastHealthCheck = patch.LastHealthCheck
	}
	if patch.LastInvocation != nil {
		d.LastInvocation = patch.LastInvocation
	}
	if patch.TotalInvocations != nil {
		d.TotalInvocations = *patch.TotalInvocations
	}
	if patch.Config != nil {
		d.Config = patch.Config
	}
}
