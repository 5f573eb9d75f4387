package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/server/storage"
)

// maxUploadBytes bounds multipart ZPL uploads.
const maxUploadBytes = 4 << 20

// API is the REST surface exposed to external callers and the UI.
type API struct {
	cfg        *Config
	store      storage.Store
	registry   *Registry
	dispatcher *Dispatcher
	waiters    *WaitEngine
}

// NewAPI builds the API handler set.
func NewAPI(cfg *Config, store storage.Store, registry *Registry, dispatcher *Dispatcher, waiters *WaitEngine) *API {
	return &API{cfg: cfg, store: store, registry: registry, dispatcher: dispatcher, waiters: waiters}
}

// Routes registers all HTTP routes on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/version", a.handleVersion)

	mux.HandleFunc("GET /api/label-sizes", a.handleListLabelSizes)
	mux.HandleFunc("POST /api/label-sizes", a.adminOnly(a.handleCreateLabelSize))

	mux.HandleFunc("POST /api/pis", a.adminOnly(a.handleRegisterDevice))
	mux.HandleFunc("GET /api/pis", a.handleListDevices)
	mux.HandleFunc("GET /api/pis/{id}", a.handleGetDevice)
	mux.HandleFunc("PUT /api/pis/{id}", a.adminOnly(a.handleUpdateDevice))
	mux.HandleFunc("DELETE /api/pis/{id}", a.adminOnly(a.handleDeleteDevice))

	mux.HandleFunc("POST /api/pis/{id}/print", a.bearerOnly(a.handlePrint))
	mux.HandleFunc("POST /api/print/broadcast", a.bearerOnly(a.handleBroadcast))
	mux.HandleFunc("GET /api/recent-jobs", a.bearerOnly(a.handleRecentJobs))
	mux.HandleFunc("GET /api/jobs/{id}", a.bearerOnly(a.handleGetJob))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", a.bearerOnly(a.handleCancelJob))
}

// ----------------------------------------------------------------------------
// Response envelope
// ----------------------------------------------------------------------------

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func writeError(w http.ResponseWriter, status int, wireErr *protocol.WireError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": wireErr})
}

func writeInternalError(w http.ResponseWriter, err error) {
	correlationID := uuid.NewString()
	logError("Internal error", "correlation_id", correlationID, "error", err)
	writeError(w, http.StatusInternalServerError, &protocol.WireError{
		Kind:   protocol.ErrInternal,
		Detail: "correlation id " + correlationID,
	})
}

// ----------------------------------------------------------------------------
// Auth middleware
// ----------------------------------------------------------------------------

// adminOnly guards device registration and mutation. The admin token comes
// from config; the web UI's own session auth terminates at the reverse proxy.
func (a *API) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.AdminToken == "" || bearerToken(r) != a.cfg.Auth.AdminToken {
			writeError(w, http.StatusUnauthorized, &protocol.WireError{
				Kind: protocol.ErrUnauthorized, Detail: "admin token required"})
			return
		}
		next(w, r)
	}
}

// bearerOnly guards print submission and history with API credentials.
func (a *API) bearerOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, &protocol.WireError{
				Kind: protocol.ErrUnauthorized, Detail: "missing or invalid API key"})
			return
		}
		go a.store.TouchCredential(context.Background(), cred.ID, time.Now().UTC())
		next(w, r)
	}
}

// ----------------------------------------------------------------------------
// Health
// ----------------------------------------------------------------------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC(),
		"connected_devices": len(a.registry.Snapshot()),
		"pending_waiters":   a.waiters.Len(),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"version":  Version,
		"protocol": protocol.ProtocolVersion,
	})
}

// ----------------------------------------------------------------------------
// Label sizes
// ----------------------------------------------------------------------------

func (a *API) handleListLabelSizes(w http.ResponseWriter, r *http.Request) {
	sizes, err := a.store.ListLabelSizes(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusOK, sizes)
}

func (a *API) handleCreateLabelSize(w http.ResponseWriter, r *http.Request) {
	var ls storage.LabelSize
	if err := json.NewDecoder(r.Body).Decode(&ls); err != nil {
		writeError(w, http.StatusBadRequest, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "malformed JSON body"})
		return
	}
	if ls.Name == "" || ls.WidthMM <= 0 || ls.HeightMM <= 0 {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "name, width_mm and height_mm are required"})
		return
	}
	if err := a.store.CreateLabelSize(r.Context(), &ls); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, &protocol.WireError{
				Kind: protocol.ErrInvalidRequest, Detail: "label size already exists"})
			return
		}
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &ls)
}

// ----------------------------------------------------------------------------
// Devices
// ----------------------------------------------------------------------------

type registerDeviceRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Secret      string `json:"secret"`
	Model       string `json:"model,omitempty"`
	PrinterPath string `json:"printer_path,omitempty"`
	LabelSizeID int64  `json:"label_size_id,omitempty"`
}

func (a *API) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "malformed JSON body"})
		return
	}
	if req.ID == "" || req.Name == "" || req.Secret == "" {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "id, name and secret are required"})
		return
	}

	hash, err := HashDeviceSecret(req.Secret)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	device := &storage.Device{
		ID:          req.ID,
		Name:        req.Name,
		SecretHash:  hash,
		Model:       req.Model,
		PrinterPath: req.PrinterPath,
		LabelSizeID: req.LabelSizeID,
	}
	if err := a.store.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, &protocol.WireError{
				Kind: protocol.ErrInvalidRequest, Detail: "device id already registered"})
			return
		}
		writeInternalError(w, err)
		return
	}
	// The secret is never returned after creation.
	writeData(w, http.StatusCreated, device)
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.ListDevices(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	for _, d := range devices {
		if info, ok := a.registry.Info(d.ID); ok {
			d.Connected = true
			d.QueueSize = info.QueueDepth
		}
	}
	writeData(w, http.StatusOK, devices)
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.store.GetDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, &protocol.WireError{
				Kind: protocol.ErrNotFound, Detail: "unknown device"})
			return
		}
		writeInternalError(w, err)
		return
	}
	if info, ok := a.registry.Info(device.ID); ok {
		device.Connected = true
		device.QueueSize = info.QueueDepth
	}
	writeData(w, http.StatusOK, device)
}

func (a *API) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	device, err := a.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, &protocol.WireError{
				Kind: protocol.ErrNotFound, Detail: "unknown device"})
			return
		}
		writeInternalError(w, err)
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "malformed JSON body"})
		return
	}
	if req.Name != "" {
		device.Name = req.Name
	}
	if req.Model != "" {
		device.Model = req.Model
	}
	if req.PrinterPath != "" {
		device.PrinterPath = req.PrinterPath
	}
	if req.LabelSizeID != 0 {
		device.LabelSizeID = req.LabelSizeID
	}
	device.SecretHash = ""
	if req.Secret != "" {
		hash, err := HashDeviceSecret(req.Secret)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		device.SecretHash = hash
	}
	if err := a.store.UpdateDevice(r.Context(), device); err != nil {
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusOK, device)
}

func (a *API) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, &protocol.WireError{
				Kind: protocol.ErrNotFound, Detail: "unknown device"})
			return
		}
		writeInternalError(w, err)
		return
	}
	// Deleting a device revokes its secret: any live session is evicted.
	a.registry.Evict(id)
	writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

// ----------------------------------------------------------------------------
// Print submission
// ----------------------------------------------------------------------------

type printRequest struct {
	protocol.Payload
	Priority          int    `json:"priority,omitempty"`
	WaitForCompletion *bool  `json:"wait_for_completion,omitempty"`
	FailIfOffline     bool   `json:"fail_if_offline,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

func (a *API) handlePrint(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodePrintRequest(w, r)
	if !ok {
		return
	}

	wait := true
	if req.WaitForCompletion != nil {
		wait = *req.WaitForCompletion
	}

	res, err := a.dispatcher.Submit(r.Context(), SubmitRequest{
		DeviceID:       r.PathValue("id"),
		Payload:        req.Payload,
		Priority:       req.Priority,
		Wait:           wait,
		FailIfOffline:  req.FailIfOffline,
		Source:         protocol.SourceAPI,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		a.writeSubmitError(w, r, err)
		return
	}
	a.writeSubmitResult(w, wait, req.FailIfOffline, res)
}

func (a *API) decodePrintRequest(w http.ResponseWriter, r *http.Request) (*printRequest, bool) {
	var req printRequest

	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		// Multipart uploads carry the ZPL file content inline; the file-ref
		// payload variant addresses paths on the device itself.
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
				Kind: protocol.ErrInvalidRequest, Detail: "malformed multipart body"})
			return nil, false
		}
		file, _, err := r.FormFile("zpl_file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
				Kind: protocol.ErrInvalidRequest, Detail: "multipart body missing zpl_file"})
			return nil, false
		}
		defer file.Close()
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			writeInternalError(w, err)
			return nil, false
		}
		req.Payload.Inline = string(content)
		if v := r.FormValue("priority"); v != "" {
			req.Priority, _ = strconv.Atoi(v)
		}
		if v := r.FormValue("wait_for_completion"); v != "" {
			b, _ := strconv.ParseBool(v)
			req.WaitForCompletion = &b
		}
		if v := r.FormValue("fail_if_offline"); v != "" {
			req.FailIfOffline, _ = strconv.ParseBool(v)
		}
		return &req, true
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "malformed JSON body"})
		return nil, false
	}
	return &req, true
}

func (a *API) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		// Client went away; nothing useful to write.
		return
	}
	var wireErr *protocol.WireError
	if !errors.As(err, &wireErr) {
		writeInternalError(w, err)
		return
	}
	switch wireErr.Kind {
	case protocol.ErrNotFound:
		writeError(w, http.StatusNotFound, wireErr)
	case protocol.ErrInvalidRequest:
		writeError(w, http.StatusUnprocessableEntity, wireErr)
	case protocol.ErrUnauthorized:
		writeError(w, http.StatusUnauthorized, wireErr)
	default:
		writeError(w, http.StatusInternalServerError, wireErr)
	}
}

// writeSubmitResult maps a dispatcher result onto the HTTP contract:
// 200 synchronous success, 202 async accept, 409 offline+wait+fail_if_offline,
// 503 offline when immediate delivery was required, 504 waiter timeout.
func (a *API) writeSubmitResult(w http.ResponseWriter, wait, failIfOffline bool, res *SubmitResult) {
	switch {
	case res.Offline:
		status := http.StatusServiceUnavailable
		if wait && failIfOffline {
			status = http.StatusConflict
		}
		writeError(w, status, res.Err)
	case res.TimedOut:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  map[string]interface{}{"job_id": res.JobID, "status": "timeout"},
			"error": res.Err,
		})
	case res.Err != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(errStatusCode(res.Err.Kind))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  map[string]interface{}{"job_id": res.JobID, "status": string(res.Status)},
			"error": res.Err,
		})
	case wait && res.Status == protocol.StateCompleted:
		writeData(w, http.StatusOK, map[string]interface{}{
			"job_id": res.JobID, "status": string(res.Status)})
	default:
		writeData(w, http.StatusAccepted, map[string]interface{}{
			"job_id": res.JobID, "status": string(res.Status)})
	}
}

func errStatusCode(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.ErrUnauthorized:
		return http.StatusUnauthorized
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrInvalidRequest:
		return http.StatusUnprocessableEntity
	case protocol.ErrDeviceOffline:
		return http.StatusServiceUnavailable
	case protocol.ErrTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrQueueFull, protocol.ErrQueueFullOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// ----------------------------------------------------------------------------
// Broadcast
// ----------------------------------------------------------------------------

type broadcastRequest struct {
	protocol.Payload
	DeviceIDs         []string `json:"device_ids"`
	Priority          int      `json:"priority,omitempty"`
	WaitForCompletion bool     `json:"wait_for_completion,omitempty"`
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "malformed JSON body"})
		return
	}
	if len(req.DeviceIDs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, &protocol.WireError{
			Kind: protocol.ErrInvalidRequest, Detail: "device_ids is required"})
		return
	}

	results := a.dispatcher.Broadcast(r.Context(), req.DeviceIDs, req.Payload, req.Priority, req.WaitForCompletion)

	out := make([]map[string]interface{}, len(results))
	for i, res := range results {
		entry := map[string]interface{}{"device_id": req.DeviceIDs[i]}
		if res.JobID != "" {
			entry["job_id"] = res.JobID
			entry["status"] = string(res.Status)
		}
		if res.TimedOut {
			entry["status"] = "timeout"
		}
		if res.Err != nil {
			entry["error"] = res.Err
		}
		out[i] = entry
	}
	writeData(w, http.StatusOK, out)
}

// ----------------------------------------------------------------------------
// Jobs
// ----------------------------------------------------------------------------

func (a *API) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	filter := storage.JobFilter{
		DeviceID: r.URL.Query().Get("pi_id"),
		State:    protocol.JobState(r.URL.Query().Get("status")),
		Limit:    limit,
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	jobs, err := a.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusOK, jobs)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, &protocol.WireError{
				Kind: protocol.ErrNotFound, Detail: "unknown job"})
			return
		}
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := a.dispatcher.Cancel(r.Context(), jobID); err != nil {
		var wireErr *protocol.WireError
		if errors.As(err, &wireErr) {
			writeError(w, errStatusCode(wireErr.Kind), wireErr)
			return
		}
		writeInternalError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}
