// ============================================================================
// MachaonWeb Archive & Hash Utilities
// ============================================================================
//
// Package: internal/archive
// Purpose: SHA-256 file hashing, directory zipping, selective extraction by
// extension, and the result-file-name categorization used by the (out of
// scope) REST result endpoint.
//
// Grounded on original_source/back/src/utils/mod.rs (compute_file_hash,
// zip_dir, extract_result_files, get_html_filenames). Standard library
// archive/zip and crypto/sha256 are used directly: no third-party archive or
// hashing library appears anywhere in the retrieved example pack with a
// narrower-fitting API than these (see DESIGN.md).
//
// ============================================================================

package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SHA256OfFile streams path through SHA-256 and returns the lowercase hex
// digest, per spec §4.E.
func SHA256OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ZipDir recursively walks src and writes dst as a zip archive. Files are
// stored with the Deflate method and permission bits 0755; a directory entry
// is emitted for every non-root directory, per spec §4.E/§8 ("Zip
// round-trip... file modes are 0755").
func ZipDir(src, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create zip destination: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	src = filepath.Clean(src)

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relativize zip entry path: %w", err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			header := &zip.FileHeader{
				Name:   rel + "/",
				Method: zip.Deflate,
			}
			header.SetMode(0o755 | os.ModeDir)
			_, err := zw.CreateHeader(header)
			return err
		}

		header := &zip.FileHeader{
			Name:   rel,
			Method: zip.Deflate,
		}
		header.SetMode(0o755)

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file to zip %s: %w", path, err)
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}

// ExtractByExtension copies every member of archive whose file-name
// extension equals ext (case-sensitive, including the leading dot, e.g.
// ".pdb") into outDir, stripping the member's internal directory path, per
// spec §4.E. Running this twice on the same archive is idempotent (spec
// §8's "Idempotent extraction" property): each run truncates-and-rewrites
// the same destination filenames.
func ExtractByExtension(archivePath, outDir, ext string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create extraction target dir: %w", err)
	}

	for _, member := range r.File {
		if member.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(member.Name)
		if filepath.Ext(name) != ext {
			continue
		}

		if err := extractMember(member, filepath.Join(outDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(member *zip.File, destPath string) error {
	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open archive member %s: %w", member.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create extracted file %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write extracted file %s: %w", destPath, err)
	}
	return nil
}

// ResultFileCategories is the category→filename mapping built by
// CategorizeResultFiles, matching the (out of scope) REST result endpoint's
// {cluster|top|topHuman|goTerm} buckets (spec §6).
type ResultFileCategories struct {
	Cluster  []string
	Top      []string
	TopHuman []string
	GoTerm   []string
}

// CategorizeResultFiles scans the HTML files already extracted into dir and
// buckets them by the suffix conventions in spec §6:
//   - "-merged-notenriched_report.html"    → Cluster
//   - "-merged-enriched_eval_report.html"  → Top (only when meta is true)
//   - "-merged-h-enriched_report.html"     → TopHuman (only when meta is true)
//   - "-pres_report.html" containing goTerm→ GoTerm (only when goTerm non-empty)
func CategorizeResultFiles(dir string, meta bool, goTerm string) (ResultFileCategories, error) {
	var out ResultFileCategories

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("read result directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, "-merged-notenriched_report.html"):
			out.Cluster = append(out.Cluster, name)
		case meta && strings.HasSuffix(name, "-merged-enriched_eval_report.html"):
			out.Top = append(out.Top, name)
		case meta && strings.HasSuffix(name, "-merged-h-enriched_report.html"):
			out.TopHuman = append(out.TopHuman, name)
		case goTerm != "" && strings.HasSuffix(name, "-pres_report.html") && strings.Contains(name, goTerm):
			out.GoTerm = append(out.GoTerm, name)
		}
	}

	return out, nil
}

// Ops adapts the package's free functions to an interface value, so callers
// like the scheduler can depend on a narrow collaborator interface
// (internal/scheduler.ArchiveOps) instead of the package directly.
type Ops struct{}

// SHA256OfFile implements scheduler.ArchiveOps.
func (Ops) SHA256OfFile(path string) (string, error) { return SHA256OfFile(path) }

// ExtractByExtension implements scheduler.ArchiveOps.
func (Ops) ExtractByExtension(archivePath, outDir, ext string) error {
	return ExtractByExtension(archivePath, outDir, ext)
}

// ZipDir implements scheduler.ArchiveOps.
func (Ops) ZipDir(src, dst string) error { return ZipDir(src, dst) }
