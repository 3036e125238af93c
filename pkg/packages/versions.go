package packages

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/postqode/orchestrator/pkg/store"
)

// CompareVersions orders two version strings, semver first. When either
// side is not parseable as a semantic version, both are compared as plain
// strings so ordering stays total and consistent across the store and the
// registry.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// sortVersionsDesc orders version strings newest first.
func sortVersionsDesc(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) > 0
	})
}

func sortRecordsDesc(records []store.PackageRecord) {
	sort.Slice(records, func(i, j int) bool {
		return CompareVersions(records[i].Version, records[j].Version) > 0
	})
}
