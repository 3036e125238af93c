package manifest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractPackage extracts the ZIP archive at packagePath into dest.
func ExtractPackage(packagePath, dest string) error {
	zr, err := zip.OpenReader(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer zr.Close()
	return extractAll(&zr.Reader, dest)
}

// ExtractBytes extracts in-memory ZIP bytes into dest.
func ExtractBytes(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to read package: %w", err)
	}
	return extractAll(zr, dest)
}

func extractAll(zr *zip.Reader, dest string) error {
	for _, f := range zr.File {
		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	// Guard against zip-slip: every entry must stay under dest.
	target := filepath.Join(dest, filepath.Clean(f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry escapes extraction root: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// FindFile locates name at the extraction root or one level deep under a
// top-level directory, the two layouts packages are allowed to use.
func FindFile(root, name string) string {
	direct := filepath.Join(root, name)
	if _, err := os.Stat(direct); err == nil {
		return direct
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nested := filepath.Join(root, e.Name(), name)
		if _, err := os.Stat(nested); err == nil {
			return nested
		}
	}
	return ""
}

// FindDir locates a directory by name at the root or one level deep.
func FindDir(root, name string) string {
	direct := filepath.Join(root, name)
	if fi, err := os.Stat(direct); err == nil && fi.IsDir() {
		return direct
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nested := filepath.Join(root, e.Name(), name)
		if fi, err := os.Stat(nested); err == nil && fi.IsDir() {
			return nested
		}
	}
	return ""
}

// FindAdapters enumerates adapter names: the stems of *.yaml files under the
// package's adapters/ directory.
func FindAdapters(root string) []string {
	adaptersDir := FindDir(root, "adapters")
	if adaptersDir == "" {
		return nil
	}
	entries, err := os.ReadDir(adaptersDir)
	if err != nil {
		return nil
	}
	var adapters []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			adapters = append(adapters, strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
		}
	}
	return adapters
}
