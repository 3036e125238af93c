// Package packages is the package store: it validates, hashes, and durably
// persists agent package bytes keyed by (agent, version), and maintains the
// version registry's latest invariant.
package packages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/manifest"
	"github.com/postqode/orchestrator/pkg/store"
)

// Registry is the persistence surface the package store needs. *store.Bolt
// satisfies it.
type Registry interface {
	UpsertPackageRecord(ctx context.Context, rec store.PackageRecord) (store.PackageRecord, error)
	GetPackageRecord(ctx context.Context, agentID, version string) (store.PackageRecord, error)
	ListPackageRecords(ctx context.Context, agentID string) ([]store.PackageRecord, error)
	SetLatest(ctx context.Context, agentID, version string) error
	DeletePackageRecord(ctx context.Context, agentID, version string) (store.PackageRecord, error)
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	ApplyManifestMetadata(ctx context.Context, agentID string, m *manifest.Manifest, packageID string) error
}

// Store persists package bytes under <root>/<agent_id>/<version>.zip and
// records them through the registry.
type Store struct {
	root                string
	registry            Registry
	updateAgentMetadata bool
	logger              zerolog.Logger
}

// NewStore creates a package store rooted at root. When updateAgentMetadata
// is set, each upload refreshes the agent listing's display fields from the
// manifest.
func NewStore(root string, registry Registry, updateAgentMetadata bool, logger zerolog.Logger) *Store {
	return &Store{
		root:                root,
		registry:            registry,
		updateAgentMetadata: updateAgentMetadata,
		logger:              logger.With().Str("component", "packages").Logger(),
	}
}

// Put validates and stores package bytes for (agent, version). Re-uploads
// of the same tuple overwrite bytes and record when the new bytes validate.
// The returned report always carries the validator's warnings.
func (s *Store) Put(ctx context.Context, agentID, version string, data []byte, originalFilename string) (store.PackageRecord, manifest.ValidationReport, error) {
	report := manifest.Validate(data)
	if !report.OK {
		return store.PackageRecord{}, report, errors.New(errors.CodePackageInvalid, "packages",
			strings.Join(report.Errors, "; "), nil)
	}

	digest := sha256.Sum256(data)

	path, err := s.writeAtomic(agentID, version, data)
	if err != nil {
		return store.PackageRecord{}, report, err
	}

	rec, err := s.registry.UpsertPackageRecord(ctx, store.PackageRecord{
		AgentID:       agentID,
		Version:       version,
		ContentDigest: hex.EncodeToString(digest[:]),
		ByteLength:    int64(len(data)),
		StorageURI:    path,
		Manifest:      report.Manifest,
		Adapters:      report.Adapters,
	})
	if err != nil {
		return store.PackageRecord{}, report, err
	}

	if err := s.promoteLatest(ctx, agentID); err != nil {
		return store.PackageRecord{}, report, err
	}

	if s.updateAgentMetadata {
		if err := s.registry.ApplyManifestMetadata(ctx, agentID, report.Manifest, rec.ID); err != nil && errors.CodeOf(err) != errors.CodeNotFound {
			return store.PackageRecord{}, report, err
		}
	}

	// Re-read so IsLatest reflects the promotion.
	rec, err = s.registry.GetPackageRecord(ctx, agentID, version)
	if err != nil {
		return store.PackageRecord{}, report, err
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Str("version", version).
		Str("digest", rec.ContentDigest).
		Int64("bytes", rec.ByteLength).
		Str("filename", originalFilename).
		Msg("package stored")

	return rec, report, nil
}

// GetPath resolves the on-disk path for (agent, version). Returns
// CodeNotFound when either the record or the file is absent.
func (s *Store) GetPath(ctx context.Context, agentID, version string) (string, error) {
	rec, err := s.registry.GetPackageRecord(ctx, agentID, version)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(rec.StorageURI); err != nil {
		return "", errors.New(errors.CodeNotFound, "packages",
			fmt.Sprintf("package file for %s@%s missing at %s", agentID, version, rec.StorageURI), err)
	}
	return rec.StorageURI, nil
}

// DownloadURL returns the proxy download path for (agent, version), or
// empty when the record is absent or the caller holds no license.
func (s *Store) DownloadURL(ctx context.Context, agentID, version string, licenseOK bool) (string, error) {
	if !licenseOK {
		return "", nil
	}
	if _, err := s.registry.GetPackageRecord(ctx, agentID, version); err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return "", nil
		}
		return "", err
	}
	return fmt.Sprintf("/api/packages/%s/%s/download", agentID, version), nil
}

// ListVersions returns the agent's version strings, newest first.
func (s *Store) ListVersions(ctx context.Context, agentID string) ([]string, error) {
	records, err := s.registry.ListPackageRecords(ctx, agentID)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(records))
	for _, r := range records {
		versions = append(versions, r.Version)
	}
	sortVersionsDesc(versions)
	return versions, nil
}

// ListRecords returns the agent's package records, newest version first.
func (s *Store) ListRecords(ctx context.Context, agentID string) ([]store.PackageRecord, error) {
	records, err := s.registry.ListPackageRecords(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sortRecordsDesc(records)
	return records, nil
}

// Latest returns the record flagged is_latest for the agent.
func (s *Store) Latest(ctx context.Context, agentID string) (store.PackageRecord, error) {
	records, err := s.registry.ListPackageRecords(ctx, agentID)
	if err != nil {
		return store.PackageRecord{}, err
	}
	for _, r := range records {
		if r.IsLatest {
			return r, nil
		}
	}
	return store.PackageRecord{}, errors.New(errors.CodeNotFound, "packages",
		fmt.Sprintf("agent %s has no package versions", agentID), nil)
}

// Delete removes bytes and record for (agent, version). When the deleted
// row was latest, the next-highest remaining version is promoted. Returns
// false when the tuple does not exist.
func (s *Store) Delete(ctx context.Context, agentID, version string) (bool, error) {
	rec, err := s.registry.DeletePackageRecord(ctx, agentID, version)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return false, nil
		}
		return false, err
	}

	if err := os.Remove(rec.StorageURI); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", rec.StorageURI).Msg("failed to remove package file")
	}

	if rec.IsLatest {
		if err := s.promoteLatest(ctx, agentID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// promoteLatest flags the highest remaining version as latest. No-op when
// the agent has no versions.
func (s *Store) promoteLatest(ctx context.Context, agentID string) error {
	records, err := s.registry.ListPackageRecords(ctx, agentID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	highest := records[0].Version
	for _, r := range records[1:] {
		if CompareVersions(r.Version, highest) > 0 {
			highest = r.Version
		}
	}
	return s.registry.SetLatest(ctx, agentID, highest)
}

// writeAtomic persists bytes to <root>/<agent>/<version>.zip via a temp
// file and rename, so concurrent writers never produce a torn file.
func (s *Store) writeAtomic(agentID, version string, data []byte) (string, error) {
	dir := filepath.Join(s.root, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(errors.CodeIoError, "packages", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", errors.New(errors.CodeIoError, "packages", "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", errors.New(errors.CodeIoError, "packages", "failed to write package bytes", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", errors.New(errors.CodeIoError, "packages", "failed to sync package bytes", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.New(errors.CodeIoError, "packages", "failed to close temp file", err)
	}

	final := filepath.Join(dir, version+".zip")
	if err := os.Rename(tmpName, final); err != nil {
		return "", errors.New(errors.CodeIoError, "packages", "failed to finalize package file", err)
	}
	return final, nil
}
