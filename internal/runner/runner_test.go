package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"scrape-coordinator/internal/callback"
	"scrape-coordinator/internal/config"
	"scrape-coordinator/internal/models"
)

// stubCoordinator hands out one job with one chunk, then nothing.
type stubCoordinator struct {
	mu        sync.Mutex
	polled    bool
	claimed   bool
	released  bool
	callbacks []callback.Payload
}

func (s *stubCoordinator) handler() http.Handler {
	now := time.Now()
	expires := now.Add(5 * time.Minute)
	token := "job-lease"

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/poll", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.polled {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.polled = true
		writeJSON(w, http.StatusOK, map[string]any{
			"job": models.Job{
				ID:       "j1",
				Status:   models.StatusRunning,
				SKUs:     []string{"SKU-1", "SKU-2"},
				Scrapers: []string{"shopfront"},
			},
			"lease_token":      token,
			"lease_expires_at": expires,
		})
	})
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/v1/jobs/j1/chunks", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		status := models.ChunkPending
		if s.claimed {
			status = models.ChunkDone
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"chunks": []map[string]any{{
				"chunk_id":    "c1",
				"job_id":      "j1",
				"chunk_index": 0,
				"skus":        []string{"SKU-1", "SKU-2"},
				"status":      status,
			}},
		})
	})
	mux.HandleFunc("/api/v1/chunks/c1/claim", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.claimed = true
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, models.Lease{Token: "chunk-lease", ExpiresAt: expires})
	})
	mux.HandleFunc("/api/v1/chunks/c1/release", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/v1/callback", func(w http.ResponseWriter, r *http.Request) {
		var payload callback.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.callbacks = append(s.callbacks, payload)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestRunnerWorksJobToCompletion(t *testing.T) {
	stub := &stubCoordinator{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	cfg := config.Config{
		RunnerName:         "runner-test",
		RunnerPollInterval: 10 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	}
	client := NewClient(server.URL, "bsr_testkey")
	r := New(cfg, client, &FakeScraper{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	var final *callback.Payload
	for final == nil {
		if time.Now().After(deadline) {
			t.Fatal("runner never sent a terminal callback")
		}
		time.Sleep(20 * time.Millisecond)
		stub.mu.Lock()
		for i := range stub.callbacks {
			if stub.callbacks[i].Status != models.StatusRunning {
				final = &stub.callbacks[i]
			}
		}
		stub.mu.Unlock()
	}
	cancel()

	if final.Status != models.StatusCompleted {
		t.Fatalf("final status = %q, want completed", final.Status)
	}
	if final.JobID != "j1" || final.LeaseToken != "job-lease" {
		t.Fatalf("final callback misaddressed: %+v", final)
	}
	if final.Results == nil || len(final.Results.Data) != 2 {
		t.Fatalf("expected results for 2 SKUs, got %+v", final.Results)
	}
	if _, ok := final.Results.Data["SKU-1"]["title"]; !ok {
		t.Fatalf("scraped fields missing: %v", final.Results.Data["SKU-1"])
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if !stub.claimed || !stub.released {
		t.Fatalf("chunk lease lifecycle incomplete: claimed=%v released=%v", stub.claimed, stub.released)
	}
	if stub.callbacks[0].Status != models.StatusRunning {
		t.Fatalf("first callback should be running, got %q", stub.callbacks[0].Status)
	}
}

func TestRunnerKeepsMultiScraperFieldsApart(t *testing.T) {
	var callbacks []callback.Payload
	var mu sync.Mutex
	polled := false
	claimed := false

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/poll", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if polled {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		polled = true
		writeJSON(w, http.StatusOK, map[string]any{
			"job": models.Job{
				ID:       "j1",
				SKUs:     []string{"SKU-1"},
				Scrapers: []string{"shopfront", "pricewatch"},
			},
			"lease_token":      "job-lease",
			"lease_expires_at": time.Now().Add(5 * time.Minute),
		})
	})
	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/v1/jobs/j1/chunks", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		status := models.ChunkPending
		if claimed {
			status = models.ChunkDone
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"chunks": []map[string]any{{"chunk_id": "c1", "job_id": "j1", "chunk_index": 0, "skus": []string{"SKU-1"}, "status": status}},
		})
	})
	mux.HandleFunc("/api/v1/chunks/c1/claim", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		claimed = true
		mu.Unlock()
		writeJSON(w, http.StatusOK, models.Lease{Token: "chunk-lease", ExpiresAt: time.Now().Add(5 * time.Minute)})
	})
	mux.HandleFunc("/api/v1/chunks/c1/release", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/v1/callback", func(w http.ResponseWriter, r *http.Request) {
		var payload callback.Payload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		callbacks = append(callbacks, payload)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.Config{
		RunnerName:         "runner-test",
		RunnerPollInterval: 10 * time.Millisecond,
		HeartbeatInterval:  time.Second,
	}
	r := New(cfg, NewClient(server.URL, "bsr_testkey"), &FakeScraper{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	var final *callback.Payload
	for final == nil {
		if time.Now().After(deadline) {
			t.Fatal("runner never sent a terminal callback")
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		for i := range callbacks {
			if callbacks[i].Status == models.StatusCompleted {
				final = &callbacks[i]
			}
		}
		mu.Unlock()
	}
	cancel()

	doc := final.Results.Data["SKU-1"]
	if len(doc) != 2 {
		t.Fatalf("expected one entry per scraper, got %v", doc)
	}
	for _, scraper := range []string{"shopfront", "pricewatch"} {
		fields, ok := doc[scraper].(map[string]any)
		if !ok {
			t.Fatalf("%s fields not nested under the scraper name: %v", scraper, doc[scraper])
		}
		if fields["source"] != scraper {
			t.Fatalf("%s fields overwritten: %v", scraper, fields)
		}
	}
}

func TestRunnerStopsOnLostLease(t *testing.T) {
	var callbacks []callback.Payload
	var mu sync.Mutex
	polled := false

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/poll", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if polled {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		polled = true
		writeJSON(w, http.StatusOK, map[string]any{
			"job":         models.Job{ID: "j1", SKUs: []string{"SKU-1"}, Scrapers: []string{"shopfront"}},
			"lease_token": "stale",
		})
	})
	// Another runner owns everything now.
	conflict := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "lease conflict"})
	}
	mux.HandleFunc("/api/v1/heartbeat", conflict)
	mux.HandleFunc("/api/v1/callback", func(w http.ResponseWriter, r *http.Request) {
		var payload callback.Payload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		callbacks = append(callbacks, payload)
		mu.Unlock()
		conflict(w, r)
	})
	mux.HandleFunc("/api/v1/jobs/j1/chunks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"chunks": []map[string]any{{"chunk_id": "c1", "job_id": "j1", "chunk_index": 0, "skus": []string{"SKU-1"}, "status": models.ChunkPending}},
		})
	})
	mux.HandleFunc("/api/v1/chunks/c1/claim", conflict)

	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.Config{
		RunnerName:         "runner-test",
		RunnerPollInterval: 10 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	}
	r := New(cfg, NewClient(server.URL, "bsr_testkey"), &FakeScraper{Delay: 50 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	// Every chunk claim conflicted, so no results were ever produced; at most
	// the running report went out before the lease was declared lost.
	for _, cb := range callbacks {
		if cb.Status == models.StatusCompleted && cb.Results != nil && len(cb.Results.Data) > 0 {
			t.Fatalf("runner reported results after losing the lease: %+v", cb)
		}
	}
}
