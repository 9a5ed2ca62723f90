// Package material is the content store for step artifacts. Writes are
// purely additive; retention and cleanup belong to an external policy.
package material

import (
	"fmt"
	"sync"
	"time"

	"github.com/troupehq/troupe/internal/model"
)

// NotFoundError is returned for unknown artifact ids. A recoverable result,
// never a crash.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.ID)
}

// Store holds the artifacts of a single run, keyed by id and indexed by step.
// Safe for concurrent use; lookups never block a writer for long since
// payloads are stored immutably.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]model.Artifact
	byStep map[int][]string
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		byID:   make(map[string]model.Artifact),
		byStep: make(map[int][]string),
		now:    time.Now,
	}
}

// Store records one artifact and returns its id.
func (s *Store) Store(stepIndex int, role model.AgentRole, kind model.ArtifactKind, payload []byte) (string, error) {
	id, err := model.GenerateID(model.IDTypeArtifact)
	if err != nil {
		return "", fmt.Errorf("generate artifact id: %w", err)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = model.Artifact{
		ID:        id,
		StepIndex: stepIndex,
		Role:      role,
		Kind:      kind,
		Payload:   buf,
		CreatedAt: s.now(),
	}
	s.byStep[stepIndex] = append(s.byStep[stepIndex], id)
	return id, nil
}

// Get returns the artifact for id, or a NotFoundError.
func (s *Store) Get(id string) (model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.byID[id]
	if !ok {
		return model.Artifact{}, &NotFoundError{ID: id}
	}
	return art, nil
}

// ListForStep returns the step's artifacts in insertion order.
func (s *Store) ListForStep(stepIndex int) []model.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byStep[stepIndex]
	out := make([]model.Artifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}

// Len reports the total number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
