package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/manifest"
)

// CreateAgent inserts a new agent listing.
func (s *Bolt) CreateAgent(ctx context.Context, agent Agent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(agentsBucket))

		if bucket.Get([]byte(agent.ID)) != nil {
			return errors.New(errors.CodeAlreadyExists, "store", fmt.Sprintf("agent %s already exists", agent.ID), nil)
		}

		now := time.Now().UTC()
		agent.CreatedAt = now
		agent.UpdatedAt = now
		if agent.Status == "" {
			agent.Status = AgentDraft
		}

		data, err := json.Marshal(agent)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal agent", err)
		}
		return bucket.Put([]byte(agent.ID), data)
	})
}

// GetAgent retrieves an agent by id.
func (s *Bolt) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(agentsBucket)).Get([]byte(id))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("agent %s not found", id), nil)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// UpdateAgent replaces an existing agent record.
func (s *Bolt) UpdateAgent(ctx context.Context, agent Agent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(agentsBucket))
		if bucket.Get([]byte(agent.ID)) == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("agent %s not found", agent.ID), nil)
		}

		agent.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(agent)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal agent", err)
		}
		return bucket.Put([]byte(agent.ID), data)
	})
}

// ListAgents returns all agents.
func (s *Bolt) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(agentsBucket)).ForEach(func(k, v []byte) error {
			var agent Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return nil
			}
			agents = append(agents, agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// ApplyManifestMetadata refreshes the agent's display fields and current
// version from a newly uploaded manifest. A minor version can rebrand the
// listing, so callers gate this behind config.UpdateAgentMetadata.
func (s *Bolt) ApplyManifestMetadata(ctx context.Context, agentID string, m *manifest.Manifest, packageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(agentsBucket))
		data := bucket.Get([]byte(agentID))
		if data == nil {
			return errors.New(errors.CodeNotFound, "store", fmt.Sprintf("agent %s not found", agentID), nil)
		}

		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to unmarshal agent", err)
		}

		if name := m.DisplayName(); name != "" {
			agent.Name = name
		}
		if desc := m.Description(); desc != "" {
			agent.Description = desc
		}
		agent.Category = m.Category()
		agent.CurrentVersion = m.Version()
		agent.LatestPackageID = packageID
		agent.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(agent)
		if err != nil {
			return errors.New(errors.CodeInternalError, "store", "failed to marshal agent", err)
		}
		return bucket.Put([]byte(agentID), out)
	})
}
