package compiler

import (
	"context"
	"sync"
	"time"

	"github.com/dripline/dripline/pkg/persistence"
)

// Cache memoizes compiled workflows per (ID, UpdatedAt). Editing a
// workflow bumps UpdatedAt, which naturally invalidates the entry.
type Cache struct {
	compiler  *Compiler
	workflows persistence.WorkflowRepository

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	compiled  *CompiledWorkflow
	updatedAt time.Time
}

func NewCache(compiler *Compiler, workflows persistence.WorkflowRepository) *Cache {
	return &Cache{
		compiler:  compiler,
		workflows: workflows,
		entries:   make(map[string]*cacheEntry),
	}
}

// Get returns the compiled form of a workflow, compiling on miss or
// when the stored definition is newer than the cached one.
func (c *Cache) Get(ctx context.Context, workflowID string) (*CompiledWorkflow, error) {
	workflow, err := c.workflows.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, ok := c.entries[workflowID]
	c.mu.RUnlock()

	if ok && entry.updatedAt.Equal(workflow.UpdatedAt) {
		return entry.compiled, nil
	}

	compiled, err := c.compiler.Compile(workflow)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[workflowID] = &cacheEntry{compiled: compiled, updatedAt: workflow.UpdatedAt}
	c.mu.Unlock()

	return compiled, nil
}

// Invalidate drops a workflow from the cache.
func (c *Cache) Invalidate(workflowID string) {
	c.mu.Lock()
	delete(c.entries, workflowID)
	c.mu.Unlock()
}
