// Package auth decides which contracting party may emit an event.
package auth

import (
	"errors"
	"fmt"

	"kravflyt/internal/domain"
)

var ErrRoleNotAllowed = errors.New("role not allowed")

// ForbiddenError indicates the actor's role may not emit an event type.
type ForbiddenError struct {
	Role      domain.Role
	EventType domain.EventType
	Required  domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not emit %s (requires %s)", e.Role, e.EventType, e.Required)
}

func (e ForbiddenError) Unwrap() error { return ErrRoleNotAllowed }

// Principal is an authenticated party.
type Principal struct {
	ActorID string
	Role    domain.Role
}

func (p Principal) Validate() error {
	if p.ActorID == "" {
		return errors.New("actor_id required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("role must be TE or BH, got %q", p.Role)
	}
	return nil
}

// Authorize checks that p may emit evtType. Event types open to both parties
// only need a valid principal.
func Authorize(p Principal, evtType domain.EventType) error {
	if err := p.Validate(); err != nil {
		return err
	}
	required := evtType.ClaimantRole()
	if required != "" && required != p.Role {
		return ForbiddenError{Role: p.Role, EventType: evtType, Required: required}
	}
	return nil
}
