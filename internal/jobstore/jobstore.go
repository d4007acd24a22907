// Package jobstore loads and persists cron job definitions, one JSON file
// per job. Every file is validated against an embedded JSON Schema before
// it is accepted, so a malformed definition can never reach the scheduler.
package jobstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/flotilla/internal/protocol"
)

// maxJobFileSize is the maximum allowed size for a job definition file (64 KiB).
const maxJobFileSize = 1 << 16

const jobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "schedule", "prompt"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "description": {"type": "string"},
    "schedule": {"type": "string", "minLength": 1},
    "prompt": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "node_id": {"type": "string"},
    "enabled": {"type": "boolean"}
  },
  "additionalProperties": false
}`

// CanonicalJobKey returns a normalized key used for collision detection
// across definition files.
func CanonicalJobKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Store reads and writes job definitions under a single directory.
type Store struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jobSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal job schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("job.json", doc); err != nil {
		return nil, fmt.Errorf("add job schema resource: %w", err)
	}
	schema, err := c.Compile("job.json")
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}

	return &Store{dir: dir, schema: schema, logger: logger}, nil
}

// Dir returns the directory the store reads from.
func (s *Store) Dir() string {
	return s.dir
}

// Load scans the jobs directory and returns every valid definition, sorted
// by name. Invalid files are skipped and reported via the joined error;
// valid definitions still load. Duplicate names keep the first file in
// lexical order.
func (s *Store) Load() ([]protocol.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs dir (%s): %w", s.dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[string]string) // canonical name -> winning file
	var out []protocol.Job
	var errs []error

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, ent.Name())
		job, err := s.loadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("load job (%s): %w", ent.Name(), err))
			continue
		}
		key := CanonicalJobKey(job.Name)
		if winner, ok := seen[key]; ok {
			s.logger.Info("job name collision: skipping duplicate",
				"job", job.Name,
				"winner_file", winner,
				"skipped_file", ent.Name(),
			)
			continue
		}
		seen[key] = ent.Name()
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errors.Join(errs...)
}

func (s *Store) loadFile(path string) (protocol.Job, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return protocol.Job{}, fmt.Errorf("stat: %w", err)
	}
	if fi.Size() > maxJobFileSize {
		return protocol.Job{}, fmt.Errorf("definition too large: %d bytes (max %d)", fi.Size(), maxJobFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Job{}, fmt.Errorf("read: %w", err)
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return protocol.Job{}, fmt.Errorf("parse: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return protocol.Job{}, fmt.Errorf("schema validation: %w", err)
	}

	var job protocol.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return protocol.Job{}, fmt.Errorf("decode: %w", err)
	}

	// Enabled defaults to true when the field is absent.
	if m, ok := doc.(map[string]any); ok {
		if _, present := m["enabled"]; !present {
			job.Enabled = true
		}
	}
	return job, nil
}

// Put validates and writes a definition to <slug>.json, replacing any
// existing file for the same name. The write is atomic: tmp file + rename.
func (s *Store) Put(job protocol.Job) error {
	slug := sanitizeName(job.Name)
	if slug == "" {
		return fmt.Errorf("job name %q produces an empty filename", job.Name)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse job: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	path := filepath.Join(s.dir, slug+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// sanitizeName converts a job name to a filesystem-safe slug.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
