package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPChecker_ParsesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if owner := r.URL.Query().Get("owner_id"); owner != "owner-1" {
			t.Errorf("unexpected owner_id %q", owner)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"allowed": false, "limit": 100, "current": 100, "remaining": 0}`))
	}))
	defer server.Close()

	checker, err := NewHTTPChecker(server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	result, err := checker.Check(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected denial")
	}
	if result.Limit != 100 || result.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHTTPChecker_ServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker, err := NewHTTPChecker(server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	if _, err := checker.Check(context.Background(), "owner-1"); err == nil {
		t.Fatalf("expected error on server failure")
	}
}

func TestStaticChecker_EnforcesLimit(t *testing.T) {
	checker := NewStaticChecker(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := checker.Check(ctx, "owner-1")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("denied before limit at call %d", i)
		}
	}

	result, err := checker.Check(ctx, "owner-1")
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected denial past the limit")
	}

	// Other owners are unaffected.
	other, _ := checker.Check(ctx, "owner-2")
	if !other.Allowed {
		t.Fatalf("unrelated owner denied")
	}
}

func TestStaticChecker_ZeroMeansUnlimited(t *testing.T) {
	checker := NewStaticChecker(0)
	for i := 0; i < 50; i++ {
		result, err := checker.Check(context.Background(), "owner-1")
		if err != nil || !result.Allowed {
			t.Fatalf("unlimited checker denied at call %d: %+v %v", i, result, err)
		}
	}
}
