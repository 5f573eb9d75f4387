package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Baanaaana/labelberry/agent/printer"
	"github.com/Baanaaana/labelberry/agent/queue"
	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
)

// blockedDriver never answers until released, keeping jobs in the queue.
type blockedDriver struct {
	release chan struct{}
	mu      sync.Mutex
	sent    [][]byte
}

func newBlockedDriver() *blockedDriver {
	return &blockedDriver{release: make(chan struct{})}
}

func (d *blockedDriver) Send(zpl []byte) printer.Result {
	<-d.release
	d.mu.Lock()
	d.sent = append(d.sent, zpl)
	d.mu.Unlock()
	return printer.Result{Code: printer.OK}
}

func (d *blockedDriver) Describe() string { return "blocked" }
func (d *blockedDriver) Close() error     { return nil }

type localAPIFixture struct {
	api    *LocalAPI
	server *httptest.Server
	q      *queue.Queue
	driver *blockedDriver
	worker *queue.Worker
}

func newLocalAPIFixture(t *testing.T, capacity int) *localAPIFixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DeviceID = "pi-test"

	q := queue.New(capacity)
	driver := newBlockedDriver()
	log := logger.New(logger.ERROR, "", "local-api-test", 10)
	t.Cleanup(func() { log.Close() })

	worker := queue.NewWorker(q, nil, driver, queue.DefaultRetryPolicy(), log)
	api := NewLocalAPI(cfg, q, worker, driver)
	worker.Emit = func(ev protocol.Lifecycle) { api.Observe(ev) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.Run(ctx)

	mux := http.NewServeMux()
	api.Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &localAPIFixture{api: api, server: server, q: q, driver: driver, worker: worker}
}

func (f *localAPIFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(f.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestLocalPrintAcceptsJob(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 10)

	resp := f.post(t, "/print", map[string]interface{}{"zpl_raw": "^XA^XZ"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["job_id"] == "" || body["source"] != "direct" {
		t.Errorf("body: %v", body)
	}

	// job resolves locally once the printer answers
	jobID := body["job_id"].(string)
	close(f.driver.release)

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(f.server.URL + "/jobs/" + jobID)
		if err != nil {
			t.Fatal(err)
		}
		state := decodeBody(t, resp)
		resp.Body.Close()
		if state["status"] == "completed" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalPrintValidation(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 10)

	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"empty payload", map[string]interface{}{}, http.StatusUnprocessableEntity},
		{"conflicting payload", map[string]interface{}{"zpl_raw": "^XA^XZ", "zpl_url": "http://x"}, http.StatusUnprocessableEntity},
		{"priority out of range", map[string]interface{}{"zpl_raw": "^XA^XZ", "priority": 11}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.post(t, "/print", tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status: %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestLocalPrintQueueFull(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 1)

	// the worker grabs the first job and blocks; the second fills the queue
	f.post(t, "/print", map[string]interface{}{"zpl_raw": "^XA^XZ"})
	waitForCondition(t, func() bool { return f.q.Size() <= 1 && f.q.InFlight() != nil })
	f.post(t, "/print", map[string]interface{}{"zpl_raw": "^XA^XZ"})

	resp := f.post(t, "/print", map[string]interface{}{"zpl_raw": "^XA^XZ"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: %d, want 503", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["kind"] != "queue_full" {
		t.Errorf("error: %v", errObj)
	}
}

func TestLocalStatusEndpoint(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 10)

	f.post(t, "/print", map[string]interface{}{"zpl_raw": "^XA^XZ"})
	waitForCondition(t, func() bool { return f.q.InFlight() != nil })

	resp, err := http.Get(f.server.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body := decodeBody(t, resp)
	if body["device_id"] != "pi-test" {
		t.Errorf("device_id: %v", body["device_id"])
	}
	if body["current_job"] == nil {
		t.Error("current_job missing while printing")
	}
}

func TestLocalTestPrint(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 10)

	resp := f.post(t, "/test-print", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["source"] != "test" {
		t.Errorf("source: %v", body["source"])
	}
}

func TestLocalGetJobUnknown(t *testing.T) {
	t.Parallel()
	f := newLocalAPIFixture(t, 10)

	resp, err := http.Get(f.server.URL + "/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
