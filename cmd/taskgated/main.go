package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskgate/taskgate/coordinator"
	"github.com/taskgate/taskgate/examples/artifactstore"
	"github.com/taskgate/taskgate/examples/httphandler"
	"github.com/taskgate/taskgate/examples/resubmitcache"
	"github.com/taskgate/taskgate/examples/shellhandler"
	"github.com/taskgate/taskgate/internal/eventstream"
	"github.com/taskgate/taskgate/internal/ingress"
	"github.com/taskgate/taskgate/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	c := coordinator.New(
		coordinator.WithTickInterval(50*time.Millisecond),
		coordinator.WithStallTimeout(30*time.Second, 2*time.Minute),
	)

	if err := c.RegisterService("shell", coordinator.WithConcurrency(4), coordinator.WithRate("30/min")); err != nil {
		log.Fatalf("registering shell service: %v", err)
	}
	if err := c.RegisterService("http", coordinator.WithConcurrency(16), coordinator.WithRate("300/min")); err != nil {
		log.Fatalf("registering http service: %v", err)
	}
	if err := c.RegisterTask("run_shell", "shell", shellhandler.Handler(), coordinator.WithMaxAttempts(2)); err != nil {
		log.Fatalf("registering run_shell task: %v", err)
	}
	if err := c.RegisterTask("fetch_url", "http", httphandler.Handler(nil), coordinator.WithMaxAttempts(3)); err != nil {
		log.Fatalf("registering fetch_url task: %v", err)
	}

	hub := eventstream.NewHub()
	if err := wireLifecycle(c, hub); err != nil {
		log.Fatalf("wiring lifecycle callbacks: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	resubmits := resubmitcache.New(redisClient, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dsn := os.Getenv("ARTIFACT_STORE_DSN"); dsn != "" {
		store, err := artifactstore.Open(ctx, dsn)
		if err != nil {
			log.Fatalf("connecting artifact store: %v", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensuring artifact schema: %v", err)
		}
		if err := artifactstore.Wire(c, store); err != nil {
			log.Fatalf("wiring artifact store: %v", err)
		}
		log.Println("artifact persistence enabled")
	} else {
		log.Println("ARTIFACT_STORE_DSN unset, artifacts are not persisted")
	}

	throttle := ingress.NewThrottle(50, 100)

	c.Start()
	defer c.Stop(10 * time.Second)

	go hub.Run(ctx)
	go sampleMetricsLoop(ctx, c)

	mux := http.NewServeMux()
	mux.Handle("/submit", throttle.Middleware(clientKey, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, c, resubmits)
	})))
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(w, r, c)
	})
	mux.HandleFunc("/debug/blocked", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(c.DebugBlocked())
	})
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(c.GetMetrics())
	})
	mux.Handle("/metrics", promhttp.Handler())

	fmt.Println("==================================================")
	fmt.Println("taskgated: in-process work coordinator")
	fmt.Println("==================================================")
	fmt.Println("listening on :8080")

	log.Fatal(http.ListenAndServe(":8080", mux))
}

// wireLifecycle registers the one set of coordinator lifecycle callbacks
// allowed per kind, fanning each event out to both telemetry and the
// event hub. telemetry.Record* and hub.Publish* are plain functions for
// exactly this reason: only one caller gets to hold each OnX slot.
func wireLifecycle(c *coordinator.Coordinator, hub *eventstream.Hub) error {
	if err := c.OnStart(func(w coordinator.WorkUnit) {
		telemetry.RecordDispatch(w)
		hub.PublishStart(w)
	}); err != nil {
		return err
	}
	if err := c.OnComplete(func(w coordinator.WorkUnit, _ any, durationSeconds float64) {
		telemetry.RecordComplete(w, durationSeconds)
		hub.PublishComplete(w)
	}); err != nil {
		return err
	}
	if err := c.OnFailure(func(w coordinator.WorkUnit, err error) {
		telemetry.RecordFailure(w)
		hub.PublishFailure(w, err)
	}); err != nil {
		return err
	}
	if err := c.OnSkip(func(w coordinator.WorkUnit) {
		telemetry.RecordSkip(w)
		hub.PublishSkip(w)
	}); err != nil {
		return err
	}
	return c.OnStallWarning(func(float64, int) {
		telemetry.RecordStallWarning()
		hub.PublishStallWarning()
	})
}

func clientKey(r *http.Request) string { return r.RemoteAddr }

type submitRequest struct {
	Task           string          `json:"task"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// decodeParams unmarshals a submit request's raw JSON params into the
// typed Params struct the named task's handler expects.
func decodeParams(task string, raw json.RawMessage) (any, error) {
	switch task {
	case "run_shell":
		var p shellhandler.Params
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding shell params: %w", err)
		}
		return p, nil
	case "fetch_url":
		var p httphandler.Params
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding http params: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown task %q", task)
	}
}

func handleSubmit(w http.ResponseWriter, r *http.Request, c *coordinator.Coordinator, resubmits *resubmitcache.Cache) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.IdempotencyKey != "" {
		if existing, found, err := resubmits.Lookup(r.Context(), req.IdempotencyKey); err != nil {
			log.Printf("resubmitcache lookup failed, submitting anyway: %v", err)
		} else if found {
			json.NewEncoder(w).Encode(map[string]string{"id": existing})
			return
		}
	}

	params, err := decodeParams(req.Task, req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := c.Submit(req.Task, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.IdempotencyKey != "" {
		if existing, claimed, err := resubmits.Reserve(r.Context(), req.IdempotencyKey, id); err == nil && !claimed {
			id = existing
		}
	}

	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func handleStatus(w http.ResponseWriter, r *http.Request, c *coordinator.Coordinator) {
	id := r.URL.Path[len("/status/"):]
	u, ok := c.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(u)
}

func sampleMetricsLoop(ctx context.Context, c *coordinator.Coordinator) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.Sample(c)
		}
	}
}
