package sim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ArtifactPaths locates a two-part artifact: a YAML header describing the
// run and a CSV file with one row per event.
type ArtifactPaths struct {
	Header string
	Data   string
}

// PathsFor derives the header and data paths of an artifact kind from a
// base name, e.g. PathsFor("out/cluster", "simput") →
// out/cluster_simput.yaml, out/cluster_simput.csv.
func PathsFor(base, kind string) ArtifactPaths {
	return ArtifactPaths{
		Header: base + "_" + kind + ".yaml",
		Data:   base + "_" + kind + ".csv",
	}
}

// WriteHeader marshals header as YAML and writes it atomically.
func WriteHeader(path string, header any) error {
	data, err := yaml.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	return WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ReadHeader strictly decodes a YAML header: unknown keys are rejected.
// Parse failures are FormatErrors.
func ReadHeader(path string, header any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(header); err != nil {
		return &FormatError{Path: path, Err: err}
	}
	return nil
}

// FormatFloat renders v with the shortest representation that parses back
// to the identical float64.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteFileAtomic writes an artifact through a temp file in the destination
// directory and renames it over path only after write succeeds. On any
// error the temp file is removed and path is left untouched, so a reader
// never observes a partial artifact.
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}
