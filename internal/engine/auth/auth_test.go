package auth

import (
	"errors"
	"testing"

	"kravflyt/internal/domain"
)

func TestAuthorize(t *testing.T) {
	te := Principal{ActorID: "entreprenor", Role: domain.RoleTE}
	bh := Principal{ActorID: "byggherre", Role: domain.RoleBH}

	if err := Authorize(te, domain.TrackEvent(domain.TrackFrist, domain.ActionClaimSent)); err != nil {
		t.Fatalf("TE claim: %v", err)
	}
	err := Authorize(te, domain.TrackEvent(domain.TrackFrist, domain.ActionResponseReceived))
	if !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Required != domain.RoleBH {
		t.Fatalf("expected ForbiddenError requiring BH, got %v", err)
	}
	if err := Authorize(bh, domain.TrackEvent(domain.TrackFrist, domain.ActionNotApplicable)); err != nil {
		t.Fatalf("shared event: %v", err)
	}
	if err := Authorize(Principal{ActorID: "x", Role: "UE"}, domain.EventForseringNotified); err == nil {
		t.Fatalf("expected invalid role error")
	}
	if err := Authorize(Principal{Role: domain.RoleBH}, domain.EventChangeOrderIssued); err == nil {
		t.Fatalf("expected missing actor error")
	}
}
