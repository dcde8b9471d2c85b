package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/analytics"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotstore"
)

type fakeSyncer struct {
	n   int
	err error
}

func (f *fakeSyncer) TransferNow(context.Context) (int, error) { return f.n, f.err }

type fakeCleaner struct {
	n   int64
	err error
}

func (f *fakeCleaner) CleanupNow(context.Context) (int64, error) { return f.n, f.err }

type fakeBreakers struct {
	snapshot map[string]event.Stats
	resetArg string
}

func (f *fakeBreakers) Snapshot() map[string]event.Stats { return f.snapshot }
func (f *fakeBreakers) Reset(name string)                { f.resetArg = name }

func TestHandlerHealth(t *testing.T) {
	h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandlerStats(t *testing.T) {
	ctx := context.Background()
	cold := coldstore.NewMemoryStore()
	hot := hotstore.NewMemoryStore()
	stats := analytics.NewMemoryStore()

	cold.Insert(ctx, event.NewScheduledEvent("reminder.due", nil, time.Now().Add(time.Hour), nil))
	stats.InsertMany(ctx, []*analytics.ExecutionRecord{
		analytics.NewExecutionRecord("evt-1", "reminder.due", "corr-1", "node-a", analytics.OutcomeSuccess, 1, "", time.Now(), time.Now(), time.Time{}, time.Now()),
	})
	breakers := &fakeBreakers{snapshot: map[string]event.Stats{"hotstore": {State: "closed"}}}

	h := New(cold, hot, stats, nil, nil, breakers)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ColdCount != 1 {
		t.Fatalf("expected cold_count 1, got %d", resp.ColdCount)
	}
	if len(resp.Recent) != 1 {
		t.Fatalf("expected 1 recent record, got %d", len(resp.Recent))
	}
	if resp.Breakers["hotstore"].State != "closed" {
		t.Fatalf("expected hotstore breaker in response, got %+v", resp.Breakers)
	}
}

func TestHandlerSync(t *testing.T) {
	t.Run("responds 503 when no syncer is configured", func(t *testing.T) {
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("triggers the configured syncer", func(t *testing.T) {
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), &fakeSyncer{n: 3}, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]int
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body["transferred"] != 3 {
			t.Fatalf("expected transferred=3, got %+v", body)
		}
	})

	t.Run("rejects GET", func(t *testing.T) {
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), &fakeSyncer{}, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestHandlerCleanup(t *testing.T) {
	h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, &fakeCleaner{n: 5}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cleanup", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int64
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["deleted"] != 5 {
		t.Fatalf("expected deleted=5, got %+v", body)
	}
}

func TestHandlerReset(t *testing.T) {
	t.Run("responds 503 when no breakers are configured", func(t *testing.T) {
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset?name=hotstore", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("resets the named breaker", func(t *testing.T) {
		breakers := &fakeBreakers{}
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, breakers)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset?name=hotstore", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if breakers.resetArg != "hotstore" {
			t.Fatalf("expected Reset(\"hotstore\"), got %q", breakers.resetArg)
		}
	})

	t.Run("rejects missing name", func(t *testing.T) {
		breakers := &fakeBreakers{}
		h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, breakers)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandlerMetrics(t *testing.T) {
	h := New(coldstore.NewMemoryStore(), hotstore.NewMemoryStore(), analytics.NewMemoryStore(), nil, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
