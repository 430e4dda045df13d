package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("socket closed")
	err := Wrap(CodeDispatchFailure, cause, "stream aborted", WithMetadata("tenant", "u1"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeDispatchFailure, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if got := CodeOf(fmt.Errorf("outer: %w", err)); got != CodeDispatchFailure {
		t.Fatalf("unexpected code through fmt wrap: %s", got)
	}
	if err.Metadata()["tenant"] != "u1" {
		t.Fatalf("metadata lost: %+v", err.Metadata())
	}
}

func TestTaxonomyAttributes(t *testing.T) {
	cases := []struct {
		code       Code
		degradable bool
		alert      bool
	}{
		{CodeConnectionFailure, true, true},
		{CodeDispatchFailure, true, false},
		{CodeProvisioningFailure, false, true},
		{CodePersistenceFailure, false, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if Degradable(err) != tc.degradable {
			t.Fatalf("%s: degradable = %v", tc.code, Degradable(err))
		}
		if ShouldAlert(err) != tc.alert {
			t.Fatalf("%s: alert = %v", tc.code, ShouldAlert(err))
		}
	}
	if Degradable(stdErrors.New("plain")) {
		t.Fatalf("plain errors must not be degradable")
	}
}

func TestOverridesWinOverRegistry(t *testing.T) {
	err := New(CodeProvisioningFailure, "", WithAlert(false), WithRetryable(false), WithSeverity(SeverityInfo))
	if err.ShouldAlert() || err.Retryable() || err.Severity() != SeverityInfo {
		t.Fatalf("overrides ignored: %+v", err)
	}
	if err.Message() != "sandbox provisioning failed" {
		t.Fatalf("default message missing: %q", err.Message())
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("unexpected fallback: %+v", attr)
	}
}
