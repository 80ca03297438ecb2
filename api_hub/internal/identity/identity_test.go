package identity

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"devicemanager/pkg/auth"
)

func TestPopulateAndValidate(t *testing.T) {
	p := auth.Principal{SubjectID: uuid.New(), TenantID: uuid.New(), IsDeviceSession: true}
	c := Populate(p)

	if c.SubjectID != p.SubjectID || c.TenantID != p.TenantID || !c.IsDeviceSession {
		t.Fatalf("unexpected context: %+v", c)
	}
	if c.RequestID == uuid.Nil {
		t.Fatalf("expected a request id")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingIDs(t *testing.T) {
	for _, c := range []Context{
		{TenantID: uuid.New()},
		{SubjectID: uuid.New()},
		Anonymous(),
	} {
		if err := c.Validate(); !errors.Is(err, ErrInvalidContext) {
			t.Fatalf("expected ErrInvalidContext for %+v, got %v", c, err)
		}
	}
}

func TestForInvocationKeepsIdentity(t *testing.T) {
	c := Populate(auth.Principal{SubjectID: uuid.New(), TenantID: uuid.New()})
	next := c.ForInvocation()

	if next.RequestID == c.RequestID {
		t.Fatalf("expected fresh request id")
	}
	if next.SubjectID != c.SubjectID || next.TenantID != c.TenantID || next.IsDeviceSession != c.IsDeviceSession {
		t.Fatalf("identity must not change: %+v vs %+v", next, c)
	}
}
