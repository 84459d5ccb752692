// Package store provides the shared JSON-file persistence primitive used by
// the workflow and credential services. Each store is a single JSON file
// written atomically (temp file + rename) so concurrent readers always see
// either the old or the new complete file. A sibling ".audit" file holds an
// append-only JSONL audit trail.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	locksMu sync.Mutex
	locks   = make(map[string]*sync.Mutex)
)

// Lock returns the process-wide mutex for a store file, keyed by absolute
// path. All mutations of a store file must happen while holding its lock.
func Lock(path string) *sync.Mutex {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	locksMu.Lock()
	defer locksMu.Unlock()
	mu, ok := locks[abs]
	if !ok {
		mu = &sync.Mutex{}
		locks[abs] = mu
	}
	return mu
}

// Read unmarshals the store file at path into v. It returns false when the
// file is missing or malformed, leaving v untouched so the caller's zero
// value serves as the fresh empty structure. Read never fails.
func Read(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false
	}
	return true
}

// Write marshals v and atomically replaces the store file at path, creating
// parent directories on demand.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// AuditPath returns the sibling audit log path for a store file.
func AuditPath(storePath string) string {
	return storePath + ".audit"
}

// AppendAudit appends entry as one JSON line to the store's audit log.
func AppendAudit(storePath string, entry any) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal audit entry: %w", err)
	}

	path := AuditPath(storePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open audit log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

// TailAudit returns up to limit most recent audit entries, newest last.
// Malformed lines are skipped. A missing audit log yields an empty slice.
func TailAudit(storePath string, limit int) []json.RawMessage {
	f, err := os.Open(AuditPath(storePath))
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := make(json.RawMessage, len(scanner.Bytes()))
		copy(raw, scanner.Bytes())
		if !json.Valid(raw) {
			continue
		}
		entries = append(entries, raw)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
