package tails_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/tails"
)

func hashOf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// tailsServer is a minimal tails server keeping files in memory.
type tailsServer struct {
	mu        sync.Mutex
	files     map[string][]byte
	failPuts  atomic.Int32
	puts      atomic.Int32
	wrongLoc  bool
	serverURL string
}

func newTailsServer(t *testing.T) *tailsServer {
	ts := &tailsServer{files: map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimPrefix(r.URL.Path, "/hash/")
		switch r.Method {
		case http.MethodPut:
			ts.puts.Add(1)
			if ts.failPuts.Load() > 0 {
				ts.failPuts.Add(-1)
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			data, _ := io.ReadAll(r.Body)
			ts.mu.Lock()
			ts.files[hash] = data
			ts.mu.Unlock()
			if ts.wrongLoc {
				io.WriteString(w, ts.serverURL+"/elsewhere/"+hash)
				return
			}
			io.WriteString(w, ts.serverURL+"/hash/"+hash)
		case http.MethodGet:
			ts.mu.Lock()
			data, ok := ts.files[hash]
			ts.mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	}))
	t.Cleanup(srv.Close)
	ts.serverURL = srv.URL
	return ts
}

func newClient(t *testing.T, baseURL string) *tails.Client {
	return tails.New(tails.Config{
		BaseURL:        baseURL,
		Dir:            t.TempDir(),
		UploadAttempts: 3,
		UploadBackoff:  backoff.Constant(time.Millisecond),
	})
}

func writeLocal(t *testing.T, c *tails.Client, data string) (string, string) {
	hash := hashOf(data)
	path := c.LocalPath(hash)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return hash, path
}

func TestLocalPath_Deterministic(t *testing.T) {
	c := tails.New(tails.Config{Dir: "/var/tails"})
	hash := hashOf("x")
	assert.Equal(t, filepath.Join("/var/tails", hash), c.LocalPath(hash))
	assert.Equal(t, c.LocalPath(hash), c.LocalPath(hash))
}

func TestPublicURI(t *testing.T) {
	hash := hashOf("x")

	uri, err := tails.New(tails.Config{BaseURL: "https://tails.example.com/"}).PublicURI(hash)
	require.NoError(t, err)
	assert.Equal(t, "https://tails.example.com/hash/"+hash, uri)

	for _, bad := range []string{"", "tails.example.com", "::not a url", "/relative"} {
		_, err := tails.New(tails.Config{BaseURL: bad}).PublicURI(hash)
		assert.ErrorIs(t, err, rrerrors.ErrTailsConfig, bad)
	}

	_, err = tails.New(tails.Config{BaseURL: "https://x"}).PublicURI("nothex")
	assert.ErrorIs(t, err, tails.ErrInvalidHash)
}

func TestUpload_RetriesThenVerifiesLocation(t *testing.T) {
	srv := newTailsServer(t)
	c := newClient(t, srv.serverURL)
	hash, path := writeLocal(t, c, "tails-content")

	srv.failPuts.Store(2)
	uri, err := c.Upload(context.Background(), hash, path)
	require.NoError(t, err)
	assert.Equal(t, srv.serverURL+"/hash/"+hash, uri)
	assert.Equal(t, int32(3), srv.puts.Load())
}

func TestUpload_GivesUp(t *testing.T) {
	srv := newTailsServer(t)
	c := newClient(t, srv.serverURL)
	hash, path := writeLocal(t, c, "tails-content")

	srv.failPuts.Store(10)
	_, err := c.Upload(context.Background(), hash, path)
	require.Error(t, err)
	assert.Equal(t, int32(3), srv.puts.Load())
}

func TestUpload_LocationMismatch(t *testing.T) {
	srv := newTailsServer(t)
	srv.wrongLoc = true
	c := newClient(t, srv.serverURL)
	hash, path := writeLocal(t, c, "tails-content")

	_, err := c.Upload(context.Background(), hash, path)
	assert.ErrorIs(t, err, tails.ErrLocationMismatch)
}

func TestDownload(t *testing.T) {
	srv := newTailsServer(t)
	hash := hashOf("good")
	srv.files[hash] = []byte("good")

	c := newClient(t, srv.serverURL)
	path, err := c.Download(context.Background(), hash)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	again, err := c.EnsureLocal(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestDownload_HashMismatchDeletesFile(t *testing.T) {
	srv := newTailsServer(t)
	hash := hashOf("expected")
	srv.files[hash] = []byte("tampered")

	c := newClient(t, srv.serverURL)
	_, err := c.Download(context.Background(), hash)
	assert.ErrorIs(t, err, tails.ErrHashMismatch)
	assert.NoFileExists(t, c.LocalPath(hash))
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary file is left behind")
}

func TestDownload_TruncatedBodyLeavesNoFile(t *testing.T) {
	hash := hashOf("complete content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "16")
		io.WriteString(w, "compl")
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL)
	_, err := c.Download(context.Background(), hash)
	require.Error(t, err)
	assert.True(t, rrerrors.IsRetryable(err))
	assert.NoFileExists(t, c.LocalPath(hash))

	// Nothing partial stays in the tails directory.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureLocal_DownloadsWhenOnlyPartialFileExists(t *testing.T) {
	srv := newTailsServer(t)
	hash := hashOf("good")
	srv.files[hash] = []byte("good")

	c := newClient(t, srv.serverURL)
	partial := filepath.Join(c.Dir(), "."+hash+".1234.part")
	require.NoError(t, os.WriteFile(partial, []byte("go"), 0o644))

	path, err := c.EnsureLocal(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, c.LocalPath(hash), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}

func TestDownload_NotFound(t *testing.T) {
	srv := newTailsServer(t)
	c := newClient(t, srv.serverURL)

	_, err := c.Download(context.Background(), hashOf("missing"))
	require.Error(t, err)
	assert.False(t, rrerrors.IsRetryable(err))
	var e *rrerrors.Error
	assert.True(t, errors.As(err, &e))
}
