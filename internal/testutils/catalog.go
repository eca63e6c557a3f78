package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeOrder is an order served by FakeCatalog.
type FakeOrder struct {
	OrderID            string
	ModelID            string
	RequiredLatestRuns []string
	// FileIDs lists the files of the order's latest delivery.
	FileIDs []string
}

// FakeCatalog is an in-process catalog service.
type FakeCatalog struct {
	Orders []FakeOrder
	// LatestRuns maps a model id to its newest complete run time.
	LatestRuns map[string]time.Time
	// APIKey, when set, is required in the x-api-key header.
	APIKey string

	mu sync.Mutex
	// flaky maps a file id to the number of 500 responses left to serve.
	flaky map[string]int
	// broken maps a file id to a status served on every request.
	broken map[string]int
	hits   map[string]int
	down   bool
}

// NewFakeCatalog returns an empty fake catalog.
func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{
		LatestRuns: make(map[string]time.Time),
		flaky:      make(map[string]int),
		broken:     make(map[string]int),
		hits:       make(map[string]int),
	}
}

// FailTimes makes the next n data requests for fileID answer 500.
func (f *FakeCatalog) FailTimes(fileID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flaky[fileID] = n
}

// FailAlways makes every data request for fileID answer status.
func (f *FakeCatalog) FailAlways(fileID string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken[fileID] = status
}

// SetDown makes every data request answer 503 until cleared.
func (f *FakeCatalog) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Hits returns how many data requests were made for fileID.
func (f *FakeCatalog) Hits(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[fileID]
}

// Payload is the body served for a file.
func Payload(fileID string) []byte {
	return []byte("GRIB" + fileID + "7777")
}

// Start serves the catalog until the test ends.
func (f *FakeCatalog) Start(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", f.handleOrders)
	mux.HandleFunc("GET /orders/{id}/latest", f.handleDetails)
	mux.HandleFunc("GET /orders/{id}/latest/{fileId}/data", f.handleData)
	mux.HandleFunc("GET /runs/{model}", f.handleRuns)

	server := httptest.NewServer(f.authenticate(mux))
	t.Cleanup(server.Close)
	return server
}

func (f *FakeCatalog) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.APIKey != "" && r.Header.Get("x-api-key") != f.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeCatalog) order(id string) (FakeOrder, bool) {
	for _, o := range f.Orders {
		if o.OrderID == id {
			return o, true
		}
	}
	return FakeOrder{}, false
}

func (f *FakeCatalog) handleOrders(w http.ResponseWriter, r *http.Request) {
	type order struct {
		OrderID            string   `json:"orderId"`
		ModelID            string   `json:"modelId"`
		RequiredLatestRuns []string `json:"requiredLatestRuns"`
	}
	resp := struct {
		Orders []order `json:"orders"`
	}{Orders: []order{}}
	for _, o := range f.Orders {
		resp.Orders = append(resp.Orders, order{o.OrderID, o.ModelID, o.RequiredLatestRuns})
	}
	writeJSON(w, resp)
}

func (f *FakeCatalog) handleDetails(w http.ResponseWriter, r *http.Request) {
	o, ok := f.order(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	type file struct {
		FileID string `json:"fileId"`
	}
	var resp struct {
		OrderDetails struct {
			Files []file `json:"files"`
		} `json:"orderDetails"`
	}
	resp.OrderDetails.Files = []file{}
	filter := r.URL.Query().Get("runfilter")
	for _, id := range o.FileIDs {
		if filter != "" && !strings.Contains(id, "_+"+filter) {
			continue
		}
		resp.OrderDetails.Files = append(resp.OrderDetails.Files, file{id})
	}
	writeJSON(w, resp)
}

func (f *FakeCatalog) handleData(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")

	f.mu.Lock()
	f.hits[fileID]++
	down := f.down
	status, broken := f.broken[fileID]
	flaky := f.flaky[fileID]
	if flaky > 0 {
		f.flaky[fileID] = flaky - 1
	}
	f.mu.Unlock()

	switch {
	case down:
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	case broken:
		http.Error(w, fmt.Sprintf("file %s unavailable", fileID), status)
		return
	case flaky > 0:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-grib")
	w.Write(Payload(fileID))
}

func (f *FakeCatalog) handleRuns(w http.ResponseWriter, r *http.Request) {
	latest, ok := f.LatestRuns[r.PathValue("model")]
	if !ok {
		http.NotFound(w, r)
		return
	}

	type run struct {
		Run         string `json:"run"`
		RunDateTime string `json:"runDateTime"`
	}
	resp := struct {
		CompleteRuns []run `json:"completeRuns"`
	}{
		CompleteRuns: []run{{
			Run:         fmt.Sprintf("%02d", latest.Hour()),
			RunDateTime: latest.UTC().Format(time.RFC3339),
		}},
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
