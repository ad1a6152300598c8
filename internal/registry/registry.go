// Package registry tracks which logical device claims which physical
// pin across all boards, so two devices cannot be wired onto the same
// pin. The authoring layer consults it; the HAL facade enforces it.
package registry

import (
	"fmt"
	"sync"
)

// Key identifies one physical pin on one board.
type Key struct {
	BoardID string
	Pin     int
}

// ConflictError reports a pin already claimed by a different device.
type ConflictError struct {
	BoardID   string
	Pin       int
	Existing  string
	Requested string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pin %d on board %s already assigned to %q (requested by %q)",
		e.Pin, e.BoardID, e.Existing, e.Requested)
}

// Registry is a mutex-guarded map of pin assignments.
type Registry struct {
	mu          sync.Mutex
	assignments map[Key]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{assignments: make(map[Key]string)}
}

// Assign claims a pin for a device label. Claiming a pin already held
// by the same label is a no-op; a different label gets a
// *ConflictError.
func (r *Registry) Assign(boardID string, pin int, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key{BoardID: boardID, Pin: pin}
	if existing, ok := r.assignments[key]; ok && existing != label {
		return &ConflictError{BoardID: boardID, Pin: pin, Existing: existing, Requested: label}
	}
	r.assignments[key] = label
	return nil
}

// Release drops a claim. Releasing an unclaimed pin is a no-op.
func (r *Registry) Release(boardID string, pin int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, Key{BoardID: boardID, Pin: pin})
}

// Lookup returns the label holding a pin, if any.
func (r *Registry) Lookup(boardID string, pin int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label, ok := r.assignments[Key{BoardID: boardID, Pin: pin}]
	return label, ok
}

// AssignmentsFor returns all claims on one board, keyed by pin.
func (r *Registry) AssignmentsFor(boardID string) map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string)
	for key, label := range r.assignments {
		if key.BoardID == boardID {
			out[key.Pin] = label
		}
	}
	return out
}
