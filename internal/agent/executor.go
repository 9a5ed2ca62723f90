// Package agent provides the execution adapters that turn an instruction
// into free-form response text, one adapter per agent role.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/troupehq/troupe/internal/model"
)

// ExecRequest contains parameters for one instruction delivery.
type ExecRequest struct {
	RunID       string
	StepIndex   int
	Role        model.AgentRole
	Instruction string
	Attempt     int
}

// ExecResult contains the outcome of an execution attempt. Text is the
// agent's free-form response; the classifier decides what it means.
type ExecResult struct {
	Text      string
	Retryable bool
	Err       error
}

// Executor executes one instruction for a role.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) ExecResult
	Close() error
}

// Registry maps agent roles to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[model.AgentRole]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[model.AgentRole]Executor),
	}
}

func (r *Registry) Register(role model.AgentRole, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[role] = ex
}

func (r *Registry) Get(role model.AgentRole) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[role]
	if !ok {
		return nil, fmt.Errorf("no executor registered for role %q", role)
	}
	return ex, nil
}

func (r *Registry) Roles() []model.AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]model.AgentRole, 0, len(r.executors))
	for role := range r.executors {
		roles = append(roles, role)
	}
	return roles
}

// CloseAll closes every registered executor, returning the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for role, ex := range r.executors {
		if err := ex.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s executor: %w", role, err)
		}
	}
	r.executors = make(map[model.AgentRole]Executor)
	return firstErr
}
