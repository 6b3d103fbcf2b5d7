package pkgcache

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/heliosfn/helios/internal/fault"
)

// extractArchive unpacks a gzip-compressed tar into dest and returns the
// total size of extracted files. Entries escaping the package root are
// rejected; symlinks and devices are skipped.
func extractArchive(archivePath, dest string) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "open archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fault.Newf(fault.KindBadRequest, "package is not gzip: %v", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fault.Wrap(fault.KindInternal, "create package dir", err)
	}

	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fault.Newf(fault.KindBadRequest, "corrupt package archive: %v", err)
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return 0, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, fault.Wrap(fault.KindInternal, "extract dir", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, fault.Wrap(fault.KindInternal, "extract dir", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return 0, fault.Wrap(fault.KindInternal, "extract file", err)
			}
			n, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return 0, fault.Wrap(fault.KindInternal, "extract file", err)
			}
			total += n
		default:
			// symlinks, hardlinks, devices: not part of the package format
		}
	}
	return total, nil
}

// securePath joins name under root, rejecting traversal outside it.
func securePath(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(root, filepath.FromSlash(name)))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
		return "", fault.Newf(fault.KindBadRequest, "archive entry %q escapes package root", name)
	}
	return cleaned, nil
}

// manifest is the subset of the package manifest the platform reads.
type manifest struct {
	Main string `json:"main"`
}

// EntryPoint resolves the handler file for an unpacked package: the
// manifest's main field when present, index.js otherwise.
func EntryPoint(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err == nil && m.Main != "" {
			entry, err := securePath(dir, m.Main)
			if err != nil {
				return "", err
			}
			if _, err := os.Stat(entry); err != nil {
				return "", fault.Newf(fault.KindBadRequest, "manifest main %q not found in package", m.Main)
			}
			return entry, nil
		}
	}

	entry := filepath.Join(dir, "index.js")
	if _, err := os.Stat(entry); err != nil {
		return "", fault.New(fault.KindBadRequest, "package has no entry file")
	}
	return entry, nil
}
