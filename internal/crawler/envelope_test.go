package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseJobWritesNullForEmptyFields(t *testing.T) {
	t.Parallel()

	body, err := EncodeParseJob(ParseJob{URL: "https://site/a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"parse_article","data":{"url":"https://site/a","imageUrl":null,"shortDescription":null}}`, string(body))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	job := ParseJob{URL: "https://site/a", ImageURL: "https://site/a.jpg", ShortDescription: "short"}
	body, err := EncodeParseJob(job)
	require.NoError(t, err)

	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	got, err := env.ParseJob()
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestEnvelopeUnknownType(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"type":"delete_article","data":{}}`))
	require.NoError(t, err)
	_, err = env.ParseJob()
	require.ErrorIs(t, err, ErrUnknownMessageType)
	assert.True(t, IsRetryable(err))
}

func TestEnvelopeMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":     `{`,
		"missing type": `{"data":{"url":"https://site/a"}}`,
		"bad data":     `{"type":"parse_article","data":"oops"}`,
		"relative url": `{"type":"parse_article","data":{"url":"/a"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(body))
			if err == nil {
				_, err = env.ParseJob()
			}
			require.ErrorIs(t, err, ErrMalformedMessage)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestEnvelopeAcceptsLegacyPayload(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(map[string]any{
		"type": "parse_article",
		"data": map[string]any{"url": " https://site/a ", "imageUrl": "", "shortDescription": nil},
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	job, err := env.ParseJob()
	require.NoError(t, err)
	assert.Equal(t, ParseJob{URL: "https://site/a"}, job)
}
