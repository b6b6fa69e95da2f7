package anoncredstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// TailsServer is an in-memory tails server answering PUT and GET on
// /hash/{hash}. A PUT answers with the file's public URI.
type TailsServer struct {
	URL string

	mu       sync.Mutex
	files    map[string][]byte
	failPuts atomic.Int32
	puts     atomic.Int32
}

// NewTailsServer starts a tails server that is shut down with tb.
func NewTailsServer(tb testing.TB) *TailsServer {
	tb.Helper()
	ts := &TailsServer{files: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(ts.serve))
	tb.Cleanup(srv.Close)
	ts.URL = srv.URL
	return ts
}

func (ts *TailsServer) serve(w http.ResponseWriter, r *http.Request) {
	hash, ok := strings.CutPrefix(r.URL.Path, "/hash/")
	if !ok || hash == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		ts.puts.Add(1)
		if ts.failPuts.Load() != 0 {
			if ts.failPuts.Load() > 0 {
				ts.failPuts.Add(-1)
			}
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.files[hash] = data
		ts.mu.Unlock()
		_, _ = io.WriteString(w, ts.URL+"/hash/"+hash)
	case http.MethodGet:
		ts.mu.Lock()
		data, ok := ts.files[hash]
		ts.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// FailPuts makes the next n uploads answer 503. A negative n fails every
// upload until FailPuts(0).
func (ts *TailsServer) FailPuts(n int) {
	ts.failPuts.Store(int32(n))
}

// Puts returns the number of upload requests received.
func (ts *TailsServer) Puts() int {
	return int(ts.puts.Load())
}

// Has reports whether a file was uploaded for hash.
func (ts *TailsServer) Has(hash string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.files[hash]
	return ok
}
