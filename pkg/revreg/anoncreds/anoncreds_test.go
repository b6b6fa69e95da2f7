package anoncreds_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds/anoncredstest"
)

func TestStatusList_IsRevoked(t *testing.T) {
	l := &anoncreds.StatusList{RevocationList: []int{0, 1, 0}}

	assert.False(t, l.IsRevoked(0), "index 0 is reserved")
	assert.False(t, l.IsRevoked(1))
	assert.True(t, l.IsRevoked(2))
	assert.False(t, l.IsRevoked(4))
	assert.Equal(t, 3, l.Size())

	c := l.Clone()
	c.RevocationList[0] = 1
	assert.False(t, l.IsRevoked(1), "clone is deep")
}

func TestFakeLibrary_Lifecycle(t *testing.T) {
	ctx := context.Background()
	lib := anoncredstest.NewLibrary()
	reg := anoncredstest.NewRegistrar()

	def, priv, err := lib.CreateRegistryDefinition(ctx, anoncreds.CreateRegistryDefinitionInput{
		CredDefID:  "cd1",
		IssuerID:   "did:issuer",
		Tag:        "0",
		MaxCredNum: 4,
		TailsDir:   t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, priv)
	assert.Len(t, def.Value.TailsHash, 64)
	assert.FileExists(t, def.Value.TailsLocation)

	res, err := reg.RegisterRevocationRegistryDefinition(ctx, def, nil)
	require.NoError(t, err)
	assert.Equal(t, anoncreds.StateFinished, res.State)
	assert.Equal(t, "did:issuer:4:cd1:CL_ACCUM:0", res.ID)

	list, err := lib.CreateStatusList(ctx, nil, res.ID, def, priv, "did:issuer")
	require.NoError(t, err)
	assert.Equal(t, 4, list.Size())

	updated, err := lib.UpdateStatusList(ctx, nil, res.ID, def, priv, list, []int{1, 3}, 99)
	require.NoError(t, err)
	assert.True(t, updated.IsRevoked(1))
	assert.True(t, updated.IsRevoked(3))
	assert.False(t, list.IsRevoked(1), "input list untouched")
	assert.Equal(t, int64(99), updated.Timestamp)
}

func TestFakeLibrary_Fail(t *testing.T) {
	lib := anoncredstest.NewLibrary()
	boom := errors.New("boom")
	lib.Fail(anoncredstest.MethodCreateCredential, boom, 1)

	_, err := lib.CreateCredential(context.Background(), anoncreds.CreateCredentialInput{CredDef: &anoncreds.CredentialDefinition{ID: "cd1"}})
	assert.ErrorIs(t, err, boom)

	cred, err := lib.CreateCredential(context.Background(), anoncreds.CreateCredentialInput{
		CredDef:    &anoncreds.CredentialDefinition{ID: "cd1"},
		Revocation: &anoncreds.RevocationConfig{RegDefID: "rr1", RevIndex: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cred.CredRevID)
	assert.Equal(t, 2, lib.Calls(anoncredstest.MethodCreateCredential))
}
