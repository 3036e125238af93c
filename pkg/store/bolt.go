package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

const (
	agentsBucket      = "agents"
	packagesBucket    = "packages"
	deploymentsBucket = "deployments"
	licensesBucket    = "licenses"
)

// Bolt is the bbolt-backed store behind every persistence interface in this
// package. One open database serves agents, package records, deployments,
// and licenses, each in its own bucket.
type Bolt struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at dbPath and ensures all
// buckets exist.
func Open(dbPath string, logger zerolog.Logger) (*Bolt, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "store", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "locked") {
			return nil, errors.New(errors.CodeIoError, "store",
				fmt.Sprintf("database file %q is already in use by another orchestrator instance; "+
					"set POSTQODE_STORE_PATH to a different file", dbPath), err)
		}
		return nil, errors.New(errors.CodeIoError, "store", "failed to open bolt db", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{agentsBucket, packagesBucket, deploymentsBucket, licensesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeIoError, "store", "failed to create buckets", err)
	}

	return &Bolt{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// packageKey indexes package records by (agent, version).
func packageKey(agentID, version string) []byte {
	return []byte(agentID + "/" + version)
}

// licenseKey indexes licenses by (user, agent).
func licenseKey(userID, agentID string) []byte {
	return []byte(userID + "/" + agentID)
}
