package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds/anoncredstest"
	"github.com/randalmurphal/revreg/pkg/revreg/config"
	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
	"github.com/randalmurphal/revreg/pkg/revreg/tails"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

const credDefID = "did:example:issuer:3:CL:1:default"

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	now := time.Now()
	es := eventstore.New(st)

	require.NoError(t, es.StoreEventRequest(ctx, topic.RegistryCreateRequested, topic.Request{CredDefID: credDefID},
		"c-expired", "r1", nil, now.Add(-time.Minute)))
	require.NoError(t, es.StoreEventRequest(ctx, topic.ListCreateRequested, topic.Request{CredDefID: credDefID},
		"c-fresh", "r2", nil, now.Add(time.Hour)))

	var all bytes.Buffer
	require.NoError(t, listPending(ctx, &all, st, false, now))
	assert.Contains(t, all.String(), "c-expired")
	assert.Contains(t, all.String(), "c-fresh")
	assert.Contains(t, all.String(), "expired")
	assert.Contains(t, all.String(), "REQUESTED")

	var expired bytes.Buffer
	require.NoError(t, listPending(ctx, &expired, st, true, now))
	assert.Contains(t, expired.String(), "c-expired")
	assert.NotContains(t, expired.String(), "c-fresh")
}

func TestListPending_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listPending(context.Background(), &out, storage.NewMemoryStore(), false, time.Now()))
	assert.Equal(t, "No pending events\n", out.String())
}

func TestListFailed(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	es := eventstore.New(st)

	require.NoError(t, es.StoreEventRequest(ctx, topic.RegistryCreateRequested, topic.Request{CredDefID: credDefID},
		"c1", "r1", nil, time.Time{}))
	require.NoError(t, es.UpdateEventResponse(ctx, topic.RegistryCreateRequested, "c1", false, nil, "ledger unreachable"))

	var out bytes.Buffer
	require.NoError(t, listFailed(ctx, &out, st))
	assert.Contains(t, out.String(), "c1")
	assert.Contains(t, out.String(), "ledger unreachable")
}

func TestListRegistries(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{Name: "tenant-a", Store: storage.NewMemoryStore()}
	server := anoncredstest.NewTailsServer(t)
	engine, err := revocation.New(revocation.Config{
		Library:   anoncredstest.NewLibrary(),
		Registrar: anoncredstest.NewRegistrar(),
		Tails: tails.New(tails.Config{
			BaseURL:        server.URL,
			Dir:            t.TempDir(),
			UploadAttempts: 1,
			UploadBackoff:  backoff.Constant(time.Millisecond),
		}),
		Publisher:  nopPublisher{},
		MaxCredNum: 5,
	})
	require.NoError(t, err)

	var empty bytes.Buffer
	require.NoError(t, listRegistries(ctx, &empty, p, credDefID, ""))
	assert.Equal(t, "No registries\n", empty.String())

	require.NoError(t, engine.StoreCredentialDefinition(ctx, p,
		&anoncreds.CredentialDefinition{
			ID:                credDefID,
			IssuerID:          "did:example:issuer",
			SchemaID:          "did:example:issuer:2:degree:1.0",
			Tag:               "default",
			SupportRevocation: true,
		},
		&anoncreds.CredentialDefinitionPrivate{Value: json.RawMessage(`{"p_key":"secret"}`)},
	))
	def, _, err := engine.CreateAndRegisterRegistryDefinition(ctx, p, revocation.CreateRegistryInput{
		IssuerID:   "did:example:issuer",
		CredDefID:  credDefID,
		MaxCredNum: 5,
	})
	require.NoError(t, err)
	_, err = engine.CreateAndRegisterRevocationList(ctx, p, def.Key(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.SetActiveRegistry(ctx, p, def.Key()))
	_, err = engine.AllocateIndex(ctx, p, def.Key())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, listRegistries(ctx, &out, p, credDefID, ""))
	assert.Contains(t, out.String(), "FINISHED")
	assert.Contains(t, out.String(), "1/5")
	assert.Contains(t, out.String(), "*")

	var full bytes.Buffer
	require.NoError(t, listRegistries(ctx, &full, p, credDefID, revocation.RegistryFull))
	assert.Equal(t, "No registries\n", full.String())
}

func TestOpenStore(t *testing.T) {
	settings := config.DefaultSettings()

	st, err := openStore(settings, filepath.Join(t.TempDir(), "revreg.db"), "default")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	settings.Storage.Driver = storage.DriverBolt
	settings.Storage.Dir = t.TempDir()
	st, err = openStore(settings, "", "tenant-a")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.FileExists(t, filepath.Join(settings.Storage.Dir, "tenant-a.bolt"))

	settings.Storage.Driver = storage.DriverMemory
	_, err = openStore(settings, "", "tenant-a")
	assert.Error(t, err)
}

func TestPaintState(t *testing.T) {
	for _, s := range []string{"FINISHED", "WAIT", "FULL", "DECOMMISSIONED", "COMPLETED", "other"} {
		assert.Equal(t, s, paintState(s), "no colour when disabled")
	}
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "…"+"456789abcdef", shortID("0123456789abcdef"))
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }
