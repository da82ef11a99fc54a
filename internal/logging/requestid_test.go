package logging

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureRequestIDGeneratesPrefixedID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("id = %q, want req_ prefix", id)
	}
	if len(id) != len("req_")+idBytes*2 {
		t.Fatalf("id = %q, want %d hex chars after the prefix", id, idBytes*2)
	}
	if got := RequestID(ctx); got != id {
		t.Fatalf("RequestID(ctx) = %q, want %q", got, id)
	}
}

func TestEnsureRequestIDIsIdempotentOnAnExistingID(t *testing.T) {
	ctx, first := EnsureRequestID(context.Background())
	ctx2, second := EnsureRequestID(ctx)
	if first != second {
		t.Fatalf("EnsureRequestID regenerated an id that was already attached: %q -> %q", first, second)
	}
	if RequestID(ctx2) != first {
		t.Fatalf("RequestID(ctx2) = %q, want %q", RequestID(ctx2), first)
	}
}

func TestEnsureRequestIDProducesDistinctIDs(t *testing.T) {
	_, a := EnsureRequestID(context.Background())
	_, b := EnsureRequestID(context.Background())
	if a == b {
		t.Fatalf("EnsureRequestID produced duplicate ids across independent contexts: %s", a)
	}
}

func TestRequestIDWithoutOneAttachedIsEmpty(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("RequestID(background) = %q, want empty string", got)
	}
}
