package topic_test

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

func TestSteps_TopicsRoundTrip(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range topic.Steps {
		req, resp := s.RequestTopic(), s.ResponseTopic()
		require.NotEmpty(t, req, s)
		require.NotEmpty(t, resp, s)
		assert.False(t, seen[req], "duplicate topic %s", req)
		seen[req], seen[resp] = true, true

		got, err := topic.StepForRequest(req)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := topic.StepForRequest(topic.CredDefFinished)
	assert.Error(t, err)
	assert.Empty(t, topic.Step("bogus").RequestTopic())
}

func TestPattern_IsExact(t *testing.T) {
	re := regexp.MustCompile(topic.Pattern(topic.RegistryCreateRequested))

	assert.True(t, re.MatchString(topic.RegistryCreateRequested))
	assert.False(t, re.MatchString(topic.RegistryCreateRequested+"::x"))
	assert.False(t, re.MatchString("x::"+topic.RegistryCreateRequested))
}

func TestResponse_JSON(t *testing.T) {
	resp := topic.Response{
		Step: topic.StepListCreate,
		Request: topic.Request{
			RegDefID: "rr1",
			Options:  options.Bag{options.KeyRetryCount: 1},
		},
		Failure: &topic.Failure{
			Step:      topic.StepListCreate,
			ErrorInfo: topic.ErrorInfo{ErrorMsg: "ledger down", ShouldRetry: true, RetryCount: 1},
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded topic.Response
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.False(t, decoded.OK())
	assert.Equal(t, "rr1", decoded.Request.Identifier())
	assert.Equal(t, 1, decoded.Request.Options.RetryCount())
	assert.True(t, decoded.Failure.ErrorInfo.ShouldRetry)
}
