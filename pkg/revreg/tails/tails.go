// Package tails moves registry tails files between the local tails directory
// and the tails server.
//
// Tails files are content addressed: the file name, the server path and the
// declared hash are all the hex SHA-256 digest of the file's bytes.
package tails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
)

// validHash matches a lowercase hex-encoded SHA256 hash (64 characters).
var validHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

var (
	// ErrHashMismatch indicates downloaded content did not match its hash.
	ErrHashMismatch = errors.New("tails hash mismatch")

	// ErrLocationMismatch indicates the server stored the file somewhere
	// other than the expected public location.
	ErrLocationMismatch = errors.New("tails server returned unexpected location")

	// ErrInvalidHash indicates a malformed tails hash.
	ErrInvalidHash = errors.New("invalid tails hash")
)

// DefaultUploadBackoff grows from one second to ten.
var DefaultUploadBackoff = backoff.WithTransforms(
	backoff.Exponential(time.Second),
	linger.Limiter(0, 10*time.Second),
)

// Config configures a Client.
type Config struct {
	// BaseURL is the tails server root, e.g. https://tails.example.com.
	BaseURL string

	// Dir is the local tails directory.
	Dir string

	// HTTPClient performs requests. Default: http.DefaultClient.
	HTTPClient *http.Client

	// UploadAttempts bounds upload attempts. Default: 5.
	UploadAttempts int

	// UploadBackoff spaces upload attempts. Default: DefaultUploadBackoff.
	UploadBackoff backoff.Strategy

	// Logger receives retry warnings. Default: slog.Default().
	Logger *slog.Logger
}

// Client uploads and downloads tails files.
type Client struct {
	baseURL  string
	dir      string
	http     *http.Client
	attempts int
	strategy backoff.Strategy
	logger   *slog.Logger
}

// New creates a tails client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		dir:      cfg.Dir,
		http:     cfg.HTTPClient,
		attempts: cfg.UploadAttempts,
		strategy: cfg.UploadBackoff,
		logger:   cfg.Logger,
	}
	if c.dir == "" {
		c.dir = filepath.Join(os.TempDir(), "revreg", "tails")
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.attempts <= 0 {
		c.attempts = 5
	}
	if c.strategy == nil {
		c.strategy = DefaultUploadBackoff
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Dir returns the local tails directory.
func (c *Client) Dir() string {
	return c.dir
}

// LocalPath returns the deterministic local path of a tails file.
func (c *Client) LocalPath(hash string) string {
	return filepath.Join(c.dir, hash)
}

// PublicURI returns {baseUrl}/hash/{hash}. The base URL must be absolute.
func (c *Client) PublicURI(hash string) (string, error) {
	if !validHash.MatchString(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || c.baseURL == "" || !u.IsAbs() || u.Host == "" {
		return "", rrerrors.New(rrerrors.KindValidation, "tails public uri",
			fmt.Errorf("%w: base url %q", rrerrors.ErrTailsConfig, c.baseURL))
	}
	return c.baseURL + "/hash/" + hash, nil
}

// EnsureLocal returns the local path, downloading the file if it is absent.
func (c *Client) EnsureLocal(ctx context.Context, hash string) (string, error) {
	path := c.LocalPath(hash)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return c.Download(ctx, hash)
}

// Download fetches a tails file into the local directory and verifies its
// SHA-256 digest. The content is written to a temporary file in the same
// directory and renamed into place only once verified, so LocalPath(hash)
// never holds partial or unverified bytes.
func (c *Client) Download(ctx context.Context, hash string) (string, error) {
	uri, err := c.PublicURI(hash)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", rrerrors.Transient("download tails", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("download tails", resp)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create tails dir: %w", err)
	}
	f, err := os.CreateTemp(c.dir, "."+hash+".*.part")
	if err != nil {
		return "", fmt.Errorf("create tails file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	hasher := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return "", rrerrors.Transient("download tails", err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != hash {
		return "", fmt.Errorf("expected %s, got %s: %w", hash, got, ErrHashMismatch)
	}
	path := c.LocalPath(hash)
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("move tails file into place: %w", err)
	}
	return path, nil
}

// Upload sends a local tails file to the server, retrying transient
// failures, and returns its public URI. The location the server reports must
// equal PublicURI(hash).
func (c *Client) Upload(ctx context.Context, hash, localPath string) (string, error) {
	want, err := c.PublicURI(hash)
	if err != nil {
		return "", err
	}

	counter := backoff.Counter{Strategy: c.strategy}
	for attempt := 1; ; attempt++ {
		got, err := c.put(ctx, want, localPath)
		if err == nil {
			if got != want {
				return "", fmt.Errorf("expected %s, got %s: %w", want, got, ErrLocationMismatch)
			}
			return got, nil
		}

		if attempt >= c.attempts || !rrerrors.IsRetryable(err) {
			return "", fmt.Errorf("upload tails %s after %d attempts: %w", hash, attempt, err)
		}
		c.logger.Warn("tails upload failed, retrying",
			"hash", hash,
			"attempt", attempt,
			"error", err,
		)
		if err := counter.Sleep(ctx, err); err != nil {
			return "", err
		}
	}
}

func (c *Client) put(ctx context.Context, uri, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open tails file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, f)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", rrerrors.Transient("upload tails", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError("upload tails", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", rrerrors.Transient("upload tails", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// statusError classifies an unexpected HTTP status. 429 and 5xx are
// transient.
func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return rrerrors.Transient(op, err)
	}
	return rrerrors.Unrecoverable(op, err)
}
