package revocation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/anoncreds"
)

func TestDefinitionRecordRoundTrip(t *testing.T) {
	def := &RegistryDefinition{
		ID:           "did:example:issuer:4:cd:CL_ACCUM:a",
		JobID:        "job-1",
		CredDefID:    "did:example:issuer:3:CL:1:default",
		IssuerID:     "did:example:issuer",
		RegistryType: "CL_ACCUM",
		Tag:          "a",
		MaxCredNum:   8,
		Tails: TailsInfo{
			Hash:      "5tHkdGVk9dRbUoZAtkZEP8T6fAVHzE5bX8x4vDjyVaKS",
			PublicURI: "https://tails.example/5tHkdGVk9dRbUoZAtkZEP8T6fAVHzE5bX8x4vDjyVaKS",
			LocalPath: "/var/lib/revreg/tails/5tHkdGVk9dRbUoZAtkZEP8T6fAVHzE5bX8x4vDjyVaKS",
		},
		State:  RegistryFinished,
		Active: true,
		Definition: &anoncreds.RevocationRegistryDefinition{
			IssuerID:     "did:example:issuer",
			RevocDefType: "CL_ACCUM",
			CredDefID:    "did:example:issuer:3:CL:1:default",
			Tag:          "a",
			Value: anoncreds.RevocationRegistryDefinitionValue{
				MaxCredNum:    8,
				TailsHash:     "5tHkdGVk9dRbUoZAtkZEP8T6fAVHzE5bX8x4vDjyVaKS",
				TailsLocation: "https://tails.example/5tHkdGVk9dRbUoZAtkZEP8T6fAVHzE5bX8x4vDjyVaKS",
				PublicKeys:    json.RawMessage(`{"accumKey":{"z":"1 0BB 1 1A2"}}`),
			},
		},
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
	}

	rec, err := encodeDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, CategoryRegistryDefinition, rec.Category)
	assert.Equal(t, def.ID, rec.Key)
	assert.Equal(t, map[string]string{
		TagCredDefID: def.CredDefID,
		TagIssuerID:  def.IssuerID,
		TagState:     string(RegistryFinished),
		TagActive:    "true",
	}, rec.Tags)

	got, err := decodeDefinition(rec)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestListRecordRoundTrip(t *testing.T) {
	l := &RevocationList{
		RegDefID: "did:example:issuer:4:cd:CL_ACCUM:a",
		StatusList: &anoncreds.StatusList{
			IssuerID:           "did:example:issuer",
			RevRegDefID:        "did:example:issuer:4:cd:CL_ACCUM:a",
			RevocationList:     []int{0, 1, 0, 1, 0},
			CurrentAccumulator: "21 124C594B6B20E41B681E92B2C43FD165EA9E68BC3C9D63A82C8893124983CAE94",
			Timestamp:          1773480413,
		},
		NextIndex: 4,
		Pending:   []int{1, 3},
		State:     ListFinished,
		UpdatedAt: time.Date(2026, 3, 14, 9, 27, 1, 123456789, time.UTC),
	}

	rec, err := encodeList(CategoryStagedList, l)
	require.NoError(t, err)
	assert.Equal(t, CategoryStagedList, rec.Category)
	assert.Equal(t, l.RegDefID, rec.Key)
	assert.Equal(t, "true", rec.Tags[TagPending])
	assert.Equal(t, string(ListFinished), rec.Tags[TagState])

	got, err := decodeList(rec)
	require.NoError(t, err)
	assert.Equal(t, l, got)
}

func TestListRecordWithoutPending(t *testing.T) {
	rec, err := encodeList(CategoryRevocationList, &RevocationList{
		RegDefID:  "r",
		NextIndex: 1,
		State:     ListPending,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "false", rec.Tags[TagPending])

	got, err := decodeList(rec)
	require.NoError(t, err)
	assert.Empty(t, got.Pending)
	assert.Nil(t, got.StatusList)
	assert.Equal(t, ListPending, got.State)
}
