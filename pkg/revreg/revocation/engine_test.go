package revocation_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds/anoncredstest"
	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := revocation.New(revocation.Config{})
	assert.Error(t, err)
}

func TestCreateRegistryDefinition_StagesUntilStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.CreateRegistryDefinition(ctx, h.profile, revocation.CreateRegistryInput{
		IssuerID:   issuerID,
		CredDefID:  credDefID,
		MaxCredNum: 5,
	})
	require.NoError(t, err)
	assert.False(t, res.FailedToUpload)
	assert.Equal(t, string(revocation.RegistryFinished), res.State)

	_, err = h.engine.GetRegistryDefinition(ctx, h.profile, res.RegDefID)
	assert.True(t, rrerrors.IsNotFound(err), "staged registry must not be visible")

	def, err := h.engine.StoreRegistryDefinition(ctx, h.profile, res.RegDefID)
	require.NoError(t, err)
	assert.False(t, def.Active)
	assert.Equal(t, 5, def.MaxCredNum)
	assert.Equal(t, h.tails.URL+"/hash/"+def.Tails.Hash, def.Tails.PublicURI)
	assert.Equal(t, def.Tails.PublicURI, def.Definition.Value.TailsLocation)
	assert.True(t, h.tails.Has(def.Tails.Hash))

	again, err := h.engine.StoreRegistryDefinition(ctx, h.profile, res.RegDefID)
	require.NoError(t, err)
	assert.Equal(t, def.Key(), again.Key())
	assert.Len(t, h.pub.On(topic.RegistryDefinitionFinished), 1)
}

func TestCreateRegistryDefinition_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateRegistryDefinition(context.Background(), h.profile, revocation.CreateRegistryInput{CredDefID: credDefID})
	assert.Equal(t, rrerrors.KindValidation, rrerrors.KindOf(err))
}

func TestCreateRegistryDefinition_UnknownCredentialDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateRegistryDefinition(context.Background(), h.profile, revocation.CreateRegistryInput{
		IssuerID:  issuerID,
		CredDefID: "missing",
	})
	assert.True(t, rrerrors.IsNotFound(err))
}

func TestCreateRegistryDefinition_WaitingRegistration(t *testing.T) {
	h := newHarness(t)
	h.registrar.DefinitionState = anoncreds.StateWait
	ctx := context.Background()

	def, _, err := h.engine.CreateAndRegisterRegistryDefinition(ctx, h.profile, revocation.CreateRegistryInput{
		IssuerID:  issuerID,
		CredDefID: credDefID,
	})
	require.NoError(t, err)
	assert.Equal(t, revocation.RegistryWait, def.State)
	assert.Empty(t, def.ID)
	assert.NotEmpty(t, def.JobID)
	assert.Empty(t, h.pub.On(topic.RegistryDefinitionFinished))

	_, err = h.engine.CreateRevocationList(ctx, h.profile, def.Key(), nil)
	assert.Equal(t, rrerrors.KindValidation, rrerrors.KindOf(err))

	err = h.engine.SetActiveRegistry(ctx, h.profile, def.Key())
	assert.Equal(t, rrerrors.KindValidation, rrerrors.KindOf(err))
}

func TestStoreRevocationList(t *testing.T) {
	h := newHarness(t)
	def := h.registry(t, 4)

	list, err := h.engine.GetRevocationList(context.Background(), h.profile, def.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, list.NextIndex)
	assert.Empty(t, list.Pending)
	assert.Equal(t, revocation.ListFinished, list.State)
	assert.Equal(t, 4, list.StatusList.Size())
	assert.Len(t, h.pub.On(topic.RevocationListFinished), 1)
}

func TestAllocateIndex_ConcurrentCallersGetDistinctIndices(t *testing.T) {
	const maxCredNum = 40
	h := newHarness(t)
	def := h.activeRegistry(t, maxCredNum)

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for range maxCredNum {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := h.engine.AllocateIndex(context.Background(), h.profile, def.Key())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got = append(got, alloc.Index)
			mu.Unlock()
		}()
	}
	wg.Wait()

	slices.Sort(got)
	want := make([]int, maxCredNum)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, got)

	_, err := h.engine.AllocateIndex(context.Background(), h.profile, def.Key())
	assert.True(t, rrerrors.IsRegistryFull(err))
	assert.ErrorIs(t, err, rrerrors.ErrRegistryFull)
}

func TestAllocateIndex_LastIndex(t *testing.T) {
	h := newHarness(t)
	def := h.activeRegistry(t, 2)

	first, err := h.engine.AllocateIndex(context.Background(), h.profile, def.Key())
	require.NoError(t, err)
	assert.False(t, first.Last())

	last, err := h.engine.AllocateIndex(context.Background(), h.profile, def.Key())
	require.NoError(t, err)
	assert.True(t, last.Last())
	assert.Equal(t, 2, last.RevocationConfig().RevIndex)
}

func TestAllocateIndex_FullRegistryRefused(t *testing.T) {
	h := newHarness(t)
	def := h.activeRegistry(t, 5)
	require.NoError(t, h.engine.MarkRegistryFull(context.Background(), h.profile, def.Key()))

	_, err := h.engine.AllocateIndex(context.Background(), h.profile, def.Key())
	assert.ErrorIs(t, err, rrerrors.ErrRegistryFull)
}

func TestAllocateIndex_RetriesFailedTailsUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tails.FailPuts(-1)
	def := h.registry(t, 5)
	list, err := h.engine.GetRevocationList(ctx, h.profile, def.Key())
	require.NoError(t, err)
	require.Equal(t, revocation.ListFailed, list.State)

	_, err = h.engine.AllocateIndex(ctx, h.profile, def.Key())
	assert.True(t, rrerrors.IsRetryable(err), "failed upload is retryable: %v", err)

	h.tails.FailPuts(0)
	alloc, err := h.engine.AllocateIndex(ctx, h.profile, def.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.Index)
	assert.True(t, h.tails.Has(def.Tails.Hash))

	list, err = h.engine.GetRevocationList(ctx, h.profile, def.Key())
	require.NoError(t, err)
	assert.Equal(t, revocation.ListFinished, list.State)
	assert.Equal(t, 2, list.NextIndex)
}

func TestSetActiveRegistry_SingleActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	defs := []*revocation.RegistryDefinition{h.registry(t, 5), h.registry(t, 5), h.registry(t, 5)}

	for _, def := range append(defs, defs[0]) {
		require.NoError(t, h.engine.SetActiveRegistry(ctx, h.profile, def.Key()))

		all := h.registries(t)
		assert.Equal(t, 1, activeCount(all))
		assert.True(t, all[def.Key()].Active)

		active, err := h.engine.GetActiveRegistry(ctx, h.profile, credDefID)
		require.NoError(t, err)
		assert.Equal(t, def.Key(), active.Key())
	}
}

func TestGetActiveRegistry_NoneActive(t *testing.T) {
	h := newHarness(t)
	h.registry(t, 5)
	_, err := h.engine.GetActiveRegistry(context.Background(), h.profile, credDefID)
	assert.True(t, rrerrors.IsNotFound(err))
}

func TestFindBackupRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.activeRegistry(t, 5)

	_, err := h.engine.FindBackupRegistry(ctx, h.profile, credDefID, active.Key())
	assert.ErrorIs(t, err, rrerrors.ErrNoBackupRegistry)

	backup := h.registry(t, 5)
	got, err := h.engine.FindBackupRegistry(ctx, h.profile, credDefID, active.Key())
	require.NoError(t, err)
	assert.Equal(t, backup.Key(), got.Key())
}

func TestHandleFullRegistry_SwapsToBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.activeRegistry(t, 5)
	backup := h.registry(t, 5)

	promoted, err := h.engine.HandleFullRegistry(ctx, h.profile, old.Key(), options.Bag{options.KeyRequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, backup.Key(), promoted.Key())

	all := h.registries(t)
	assert.Equal(t, revocation.RegistryFull, all[old.Key()].State)
	assert.False(t, all[old.Key()].Active)
	assert.True(t, all[backup.Key()].Active)

	requests := h.pub.On(topic.RegistryCreateRequested)
	require.Len(t, requests, 1)
	req := requests[0].Payload.(topic.Request)
	assert.Equal(t, credDefID, req.CredDefID)
	assert.Equal(t, 5, req.MaxCredNum)
	assert.False(t, req.Options.FirstRegistry())

	// A second caller racing on the same full registry gets the new active one.
	again, err := h.engine.HandleFullRegistry(ctx, h.profile, old.Key(), nil)
	require.NoError(t, err)
	assert.Equal(t, backup.Key(), again.Key())
	assert.Len(t, h.pub.On(topic.RegistryCreateRequested), 1)
}

func TestHandleFullRegistry_NoBackup(t *testing.T) {
	h := newHarness(t)
	old := h.activeRegistry(t, 5)

	_, err := h.engine.HandleFullRegistry(context.Background(), h.profile, old.Key(), nil)
	assert.ErrorIs(t, err, rrerrors.ErrNoBackupRegistry)
	assert.True(t, h.registries(t)[old.Key()].Active, "failed swap must not commit")
}

func TestDecommissionRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.activeRegistry(t, 5)
	backup := h.registry(t, 5)

	h.registrar.DefinitionState = anoncreds.StateWait
	waiting, _, err := h.engine.CreateAndRegisterRegistryDefinition(ctx, h.profile, revocation.CreateRegistryInput{
		IssuerID:  issuerID,
		CredDefID: credDefID,
	})
	require.NoError(t, err)
	h.registrar.DefinitionState = ""

	replacement, err := h.engine.DecommissionRegistry(ctx, h.profile, credDefID, nil)
	require.NoError(t, err)

	all := h.registries(t)
	require.Len(t, all, 4)
	assert.True(t, all[replacement.Key()].Active)
	assert.Equal(t, revocation.RegistryFinished, all[replacement.Key()].State)
	assert.Equal(t, revocation.RegistryDecommissioned, all[first.Key()].State)
	assert.Equal(t, revocation.RegistryDecommissioned, all[backup.Key()].State)
	assert.Equal(t, revocation.RegistryWait, all[waiting.Key()].State)
	assert.Equal(t, 1, activeCount(all))

	list, err := h.engine.GetRevocationList(ctx, h.profile, replacement.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, list.NextIndex)
	assert.Len(t, h.pub.On(topic.RegistryCreateRequested), 1)

	_, err = h.engine.AllocateIndex(ctx, h.profile, first.Key())
	assert.ErrorIs(t, err, rrerrors.ErrRegistryFull)
}

func TestDecommissionRegistry_NothingToDecommission(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.DecommissionRegistry(context.Background(), h.profile, credDefID, nil)
	assert.True(t, rrerrors.IsNotFound(err))
}

func TestMarkRegistryFull_Idempotent(t *testing.T) {
	h := newHarness(t)
	def := h.activeRegistry(t, 5)
	ctx := context.Background()

	require.NoError(t, h.engine.MarkRegistryFull(ctx, h.profile, def.Key()))
	require.NoError(t, h.engine.MarkRegistryFull(ctx, h.profile, def.Key()))

	got, err := h.engine.GetRegistryDefinition(ctx, h.profile, def.Key())
	require.NoError(t, err)
	assert.Equal(t, revocation.RegistryFull, got.State)
	assert.False(t, got.Active)
}

func TestEngine_LibraryFailureKeepsCause(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("accumulator exploded")
	h.lib.Fail(anoncredstest.MethodCreateRegistryDefinition, boom, 1)

	_, err := h.engine.CreateRegistryDefinition(context.Background(), h.profile, revocation.CreateRegistryInput{
		IssuerID:  issuerID,
		CredDefID: credDefID,
	})
	assert.ErrorIs(t, err, boom)
}
