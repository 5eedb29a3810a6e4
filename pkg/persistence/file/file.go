// Package file provides a file-system persistence implementation for
// development and tests. Conditional operations (job claims, status
// transitions) are serialized with an in-process mutex, which preserves
// the at-most-one-claim guarantee for a single process.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Persistence implements persistence.Persistence on top of a directory of
// JSON files, one file per entity.
type Persistence struct {
	root string
	mu   sync.Mutex

	eventRepo      *EventRepository
	workflowRepo   *WorkflowRepository
	runRepo        *RunRepository
	jobRepo        *JobRepository
	logRepo        *LogRepository
	settingsRepo   *SettingsRepository
	enrollmentRepo *EnrollmentRepository
}

// NewPersistence creates a file persistence layer rooted at the given
// directory. Accepts both plain paths and file:// URLs.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.eventRepo = &EventRepository{store: p}
	p.workflowRepo = &WorkflowRepository{store: p}
	p.runRepo = &RunRepository{store: p}
	p.jobRepo = &JobRepository{store: p}
	p.logRepo = &LogRepository{store: p}
	p.settingsRepo = &SettingsRepository{store: p}
	p.enrollmentRepo = &EnrollmentRepository{store: p}

	return p
}

// Close performs any necessary cleanup. Nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory is usable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("file persistence root %s unusable: %w", p.root, err)
	}

	return nil
}

// collection helpers

func (p *Persistence) dir(collection string) string {
	return filepath.Join(p.root, collection)
}

func (p *Persistence) write(collection, id string, entity any) error {
	if err := os.MkdirAll(p.dir(collection), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", collection, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", collection, id, err)
	}

	path := filepath.Join(p.dir(collection), id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// read unmarshals one entity; reports os.ErrNotExist when absent.
func (p *Persistence) read(collection, id string, entity any) error {
	path := filepath.Join(p.dir(collection), id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

// readAll iterates every entity in a collection, invoking decode with the
// raw JSON of each file.
func (p *Persistence) readAll(collection string, decode func(data []byte) error) error {
	entries, err := os.ReadDir(p.dir(collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read %s directory: %w", collection, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.dir(collection), entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s/%s: %w", collection, entry.Name(), err)
		}

		if err := decode(data); err != nil {
			return err
		}
	}

	return nil
}
