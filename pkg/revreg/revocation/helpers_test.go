package revocation_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds/anoncredstest"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/tails"
)

const (
	issuerID  = "did:example:issuer"
	credDefID = "did:example:issuer:3:CL:1:default"
)

// published is one recorded notification.
type published struct {
	Scope   string
	Topic   string
	Payload any
}

// recorder is a Publisher that keeps what it was given.
type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(_ context.Context, scope, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{Scope: scope, Topic: topic, Payload: payload})
	return nil
}

func (r *recorder) On(topic string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, m := range r.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	engine    *revocation.Engine
	lib       *anoncredstest.Library
	registrar *anoncredstest.Registrar
	tails     *anoncredstest.TailsServer
	pub       *recorder
	profile   *profile.Profile
}

func newHarness(t *testing.T, mods ...func(*revocation.Config)) *harness {
	t.Helper()
	h := &harness{
		lib:       anoncredstest.NewLibrary(),
		registrar: anoncredstest.NewRegistrar(),
		tails:     anoncredstest.NewTailsServer(t),
		pub:       &recorder{},
		profile:   &profile.Profile{Name: "tenant-a", Store: storage.NewMemoryStore()},
	}
	cfg := revocation.Config{
		Library:   h.lib,
		Registrar: h.registrar,
		Tails: tails.New(tails.Config{
			BaseURL:        h.tails.URL,
			Dir:            t.TempDir(),
			UploadAttempts: 2,
			UploadBackoff:  backoff.Constant(time.Millisecond),
		}),
		Publisher:  h.pub,
		MaxCredNum: 10,
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	engine, err := revocation.New(cfg)
	require.NoError(t, err)
	h.engine = engine

	require.NoError(t, engine.StoreCredentialDefinition(context.Background(), h.profile,
		&anoncreds.CredentialDefinition{
			ID:                credDefID,
			IssuerID:          issuerID,
			SchemaID:          "did:example:issuer:2:degree:1.0",
			Tag:               "default",
			SupportRevocation: true,
		},
		&anoncreds.CredentialDefinitionPrivate{Value: json.RawMessage(`{"p_key":"secret"}`)},
	))
	return h
}

// registry creates a finished registry with a finished list.
func (h *harness) registry(t *testing.T, maxCredNum int) *revocation.RegistryDefinition {
	t.Helper()
	ctx := context.Background()
	def, res, err := h.engine.CreateAndRegisterRegistryDefinition(ctx, h.profile, revocation.CreateRegistryInput{
		IssuerID:   issuerID,
		CredDefID:  credDefID,
		MaxCredNum: maxCredNum,
	})
	require.NoError(t, err)
	require.Equal(t, revocation.RegistryFinished, def.State)

	var opts options.Bag
	if res.FailedToUpload {
		opts = opts.With(options.KeyFailedToUpload, true)
	}
	_, err = h.engine.CreateAndRegisterRevocationList(ctx, h.profile, def.Key(), opts)
	require.NoError(t, err)
	return def
}

// activeRegistry creates a registry and makes it active.
func (h *harness) activeRegistry(t *testing.T, maxCredNum int) *revocation.RegistryDefinition {
	t.Helper()
	def := h.registry(t, maxCredNum)
	require.NoError(t, h.engine.SetActiveRegistry(context.Background(), h.profile, def.Key()))
	return def
}

func (h *harness) allocate(t *testing.T, regDefID string, n int) {
	t.Helper()
	for range n {
		_, err := h.engine.AllocateIndex(context.Background(), h.profile, regDefID)
		require.NoError(t, err)
	}
}

func (h *harness) registries(t *testing.T) map[string]*revocation.RegistryDefinition {
	t.Helper()
	defs, err := h.engine.ListRegistries(context.Background(), h.profile, credDefID, "")
	require.NoError(t, err)
	out := make(map[string]*revocation.RegistryDefinition, len(defs))
	for _, d := range defs {
		out[d.Key()] = d
	}
	return out
}

func activeCount(defs map[string]*revocation.RegistryDefinition) int {
	n := 0
	for _, d := range defs {
		if d.Active {
			n++
		}
	}
	return n
}
