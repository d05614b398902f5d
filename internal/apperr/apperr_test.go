package apperr

import (
	"errors"
	"testing"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("boom")
	err := NotFound("queue.Dequeue", base)

	if !Is(err, KindNotFound) {
		t.Fatal("expected KindNotFound")
	}
	if Is(err, KindFatal) {
		t.Fatal("did not expect KindFatal")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %v, want KindNotFound", KindOf(err))
	}
	if !errors.Is(err, base) && !errors.Is(errors.Unwrap(err), base) {
		t.Fatal("expected wrapped base error to be reachable")
	}
}

func TestKindOfDefaultsToFatal(t *testing.T) {
	if KindOf(errors.New("untagged")) != KindFatal {
		t.Fatal("expected untagged errors to default to KindFatal")
	}
}
