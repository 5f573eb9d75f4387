package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/Baanaaana/labelberry/agent/printer"
	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/protocol"
)

// LocalAPI is the device-local HTTP surface: LAN clients can submit jobs
// straight to this device without a round trip through the central server.
// Jobs submitted here are tracked locally and their lifecycle events are not
// forwarded upstream, since the server has no record of them.
type LocalAPI struct {
	cfg    *Config
	q      *queue.Queue
	worker *queue.Worker
	driver printer.Driver

	mu     sync.Mutex
	local  map[string]protocol.Lifecycle
	order  []string
}

// maxTrackedLocalJobs bounds the local job state map.
const maxTrackedLocalJobs = 200

// NewLocalAPI wires the local HTTP surface.
func NewLocalAPI(cfg *Config, q *queue.Queue, worker *queue.Worker, driver printer.Driver) *LocalAPI {
	return &LocalAPI{
		cfg:    cfg,
		q:      q,
		worker: worker,
		driver: driver,
		local:  make(map[string]protocol.Lifecycle),
	}
}

// Routes registers the local endpoints.
func (a *LocalAPI) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /print", a.handlePrint)
	mux.HandleFunc("POST /test-print", a.handleTestPrint)
	mux.HandleFunc("GET /jobs/{id}", a.handleGetJob)
}

// Observe records a lifecycle event for a locally-submitted job. It reports
// whether the job is local, in which case the caller must not forward the
// event upstream.
func (a *LocalAPI) Observe(ev protocol.Lifecycle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.local[ev.JobID]; !ok {
		return false
	}
	a.local[ev.JobID] = ev
	return true
}

func (a *LocalAPI) track(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.order) >= maxTrackedLocalJobs {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.local, oldest)
	}
	a.local[jobID] = protocol.Lifecycle{JobID: jobID, State: protocol.StateQueued, At: time.Now().UTC()}
	a.order = append(a.order, jobID)
}

func (a *LocalAPI) untrack(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.local, jobID)
	for i, id := range a.order {
		if id == jobID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *LocalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeLocalJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"device_id": a.cfg.DeviceID,
		"printer":   a.driver.Describe(),
	})
}

func (a *LocalAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	completed, failed := a.worker.Stats()
	body := map[string]interface{}{
		"device_id":      a.cfg.DeviceID,
		"queue_depth":    a.q.Depth(),
		"last_error":     a.worker.LastError(),
		"uptime_seconds": int64(a.worker.Uptime().Seconds()),
		"completed":      completed,
		"failed":         failed,
	}
	if inFlight := a.q.InFlight(); inFlight != nil {
		body["current_job"] = inFlight.ID
	}
	writeLocalJSON(w, http.StatusOK, body)
}

type localPrintRequest struct {
	protocol.Payload
	Priority int `json:"priority"`
}

func (a *LocalAPI) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req localPrintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeLocalError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "malformed JSON body")
		return
	}
	if err := req.Payload.Validate(); err != nil {
		writeLocalError(w, http.StatusUnprocessableEntity, protocol.ErrInvalidRequest, err.Error())
		return
	}
	if req.Priority == 0 {
		req.Priority = protocol.DefaultPriority
	}
	if !protocol.ValidPriority(req.Priority) {
		writeLocalError(w, http.StatusUnprocessableEntity, protocol.ErrInvalidRequest,
			fmt.Sprintf("priority must be between %d and %d", protocol.MinPriority, protocol.MaxPriority))
		return
	}

	a.submit(w, &queue.Job{
		ID:       uuid.NewString(),
		Payload:  req.Payload,
		Priority: req.Priority,
		Source:   protocol.SourceDirect,
	})
}

func (a *LocalAPI) handleTestPrint(w http.ResponseWriter, r *http.Request) {
	a.submit(w, &queue.Job{
		ID:       uuid.NewString(),
		Payload:  protocol.Payload{Inline: strings.Replace(testPrintZPL, "%s", a.cfg.DeviceID, 1)},
		Priority: protocol.DefaultPriority,
		Source:   protocol.SourceTest,
	})
}

func (a *LocalAPI) submit(w http.ResponseWriter, job *queue.Job) {
	// track before enqueue so the worker's first event finds the job local
	a.track(job.ID)
	pos, err := a.q.Enqueue(job)
	if err != nil {
		a.untrack(job.ID)
		writeLocalError(w, http.StatusServiceUnavailable, protocol.ErrQueueFull, "device queue at capacity")
		return
	}
	writeLocalJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":         job.ID,
		"status":         string(protocol.StateQueued),
		"queue_position": pos,
		"source":         string(job.Source),
	})
}

func (a *LocalAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	a.mu.Lock()
	ev, ok := a.local[jobID]
	a.mu.Unlock()
	if !ok {
		writeLocalError(w, http.StatusNotFound, protocol.ErrNotFound, "unknown job")
		return
	}

	body := map[string]interface{}{
		"job_id": ev.JobID,
		"status": string(ev.State),
	}
	if ev.Error != nil {
		body["error"] = ev.Error
	}
	writeLocalJSON(w, http.StatusOK, body)
}

// Serve runs the local API until ctx is cancelled, advertising it over mDNS
// when zeroconf is enabled.
func (a *LocalAPI) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	a.Routes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.LocalAPIPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if a.cfg.Zeroconf {
		instance := "labelberry-" + a.cfg.DeviceID
		txt := []string{"device_id=" + a.cfg.DeviceID}
		mdns, err := zeroconf.Register(instance, "_labelberry._tcp", "local.", a.cfg.LocalAPIPort, txt, nil)
		if err != nil {
			logWarn("mDNS registration failed", "error", err)
		} else {
			defer mdns.Shutdown()
			logInfo("Advertising local API via mDNS", "instance", instance, "port", a.cfg.LocalAPIPort)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logInfo("Local API listening", "port", a.cfg.LocalAPIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeLocalJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeLocalError(w http.ResponseWriter, status int, kind protocol.ErrorKind, detail string) {
	writeLocalJSON(w, status, map[string]interface{}{
		"error": protocol.WireError{Kind: kind, Detail: detail},
	})
}
