package recovery

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/randalmurphal/revreg/pkg/revreg/profile"
)

// ProfileHeader is the request header naming the tenant profile, read by
// default.
const ProfileHeader = "X-Revreg-Profile"

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Manager  *Manager
	Tracker  *Tracker
	Profiles profile.Resolver

	// Enabled switches recovery on. When false the middleware only passes
	// requests through.
	Enabled bool

	// Timeout bounds one recovery pass. Default: 30s.
	Timeout time.Duration

	// HealthPaths are never acted on.
	HealthPaths []string

	// ProfileOf names the profile of a request. Default: the ProfileHeader
	// header.
	ProfileOf func(*http.Request) string

	Logger *slog.Logger
}

// Middleware returns HTTP middleware that recovers a profile's interrupted
// saga steps the first time a request for that profile finds expired ones.
//
// Recovery runs in the background under the timeout; the wrapped handler is
// always called without waiting for it. A profile with no pending steps is
// marked recovered straight away. One whose steps are all still inside their
// expiry window is left untracked so a later request looks again. A failed or
// timed-out pass also leaves the profile untracked.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProfileOf == nil {
		cfg.ProfileOf = func(r *http.Request) string { return r.Header.Get(ProfileHeader) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Enabled && !slices.Contains(cfg.HealthPaths, r.URL.Path) {
				maybeRecover(r.Context(), cfg, logger, cfg.ProfileOf(r))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func maybeRecover(ctx context.Context, cfg MiddlewareConfig, logger *slog.Logger, name string) {
	if name == "" || cfg.Tracker.State(name) != Untracked {
		return
	}
	p, err := cfg.Profiles.Profile(name)
	if err != nil {
		logger.Debug("unknown profile", "profile", name, "error", err)
		return
	}

	pending, recoverable, err := cfg.Manager.CountPending(ctx, p)
	if err != nil {
		logger.Warn("count pending saga steps failed", "profile", name, "error", err)
		return
	}
	if pending == 0 {
		cfg.Tracker.MarkRecovered(name)
		return
	}
	if recoverable == 0 {
		return
	}
	if !cfg.Tracker.Begin(name) {
		return
	}

	logger.Info("recovering saga steps",
		"profile", name,
		"pending", pending,
		"recoverable", recoverable,
	)
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
		defer cancel()

		if _, err := cfg.Manager.RecoverInProgressEvents(rctx, p, true); err != nil {
			logger.Warn("recovery failed, will retry on a later request", "profile", name, "error", err)
			cfg.Tracker.Reset(name)
			return
		}
		cfg.Tracker.MarkRecovered(name)
	}()
}
