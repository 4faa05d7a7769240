// Package migrate moves whole collections in and out of the store as JSONL,
// one record per line.
//
// A line holds the record's stored fields plus an optional "_key" with its
// remote key. Lines with a key are written back under that key, so importing
// an export restores it; lines without one are pushed as new records.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// KeyField is the line field carrying the remote key.
const KeyField = "_key"

// Line is one parsed JSONL line.
type Line struct {
	Number int
	Record *schema.Record
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	Path   string      // Input JSONL file path
	Kind   schema.Kind // Collection to import into
	DryRun bool        // Parse and validate without writing
	Backup bool        // Copy the input file aside first
	Now    func() time.Time
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read          int
	Imported      int
	Queued        int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a JSONL file of kind records. Invalid JSON stops the read;
// structurally malformed records are returned for the caller to validate.
func FromJSONL(path string, kind schema.Kind) ([]Line, error) {
	// #nosec G304 - controlled path from CLI or inbox
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return Decode(file, kind)
}

// Decode reads JSONL records of kind from r.
func Decode(r io.Reader, kind schema.Kind) ([]Line, error) {
	var lines []Line
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		var head struct {
			Key string `json:"_key"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		rec, err := schema.Decode(kind, head.Key, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}
		lines = append(lines, Line{Number: lineNum, Record: rec})
	}

	return lines, nil
}

// Import reads opts.Path and writes every valid record to store. Malformed
// records are skipped and reported in the result. A store that accepted a
// write for later replay counts it as queued.
func Import(ctx context.Context, store remote.Store, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	// Validate input file exists
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + opts.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	lines, err := FromJSONL(opts.Path, opts.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	now := opts.Now()
	for _, line := range lines {
		result.Read++
		rec := line.Record
		rec.SetDefaults(now)
		if err := rec.Validate(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line.Number, err))
			continue
		}
		if opts.DryRun {
			result.Imported++
			continue
		}

		err := write(ctx, store, rec)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, offline.ErrQueued):
			result.Queued++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line.Number, err))
		}
	}

	return result, nil
}

func write(ctx context.Context, store remote.Store, rec *schema.Record) error {
	if rec.RemoteKey != "" {
		return store.Set(ctx, rec.Path(), rec.Fields())
	}
	_, err := store.Push(ctx, rec.Kind.Collection(), rec.Fields())
	return err
}

// Encode writes records to w as JSONL, each line carrying its remote key.
func Encode(w io.Writer, records []*schema.Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		fields := rec.Fields()
		if rec.RemoteKey != "" {
			fields[KeyField] = rec.RemoteKey
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.RemoteKey, err)
		}
		bw.Write(data)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write JSONL: %w", err)
	}
	return nil
}

// Export writes records to path atomically.
func Export(records []*schema.Record, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := Encode(file, records); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// RecordsFromSnapshot decodes a collection snapshot, skipping values that do
// not decode. Keys come back in store order.
func RecordsFromSnapshot(kind schema.Kind, snapshot map[string]json.RawMessage) []*schema.Record {
	var out []*schema.Record
	for _, child := range remote.SortedChildren(snapshot) {
		rec, err := schema.Decode(kind, child.Key, child.Value)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}
