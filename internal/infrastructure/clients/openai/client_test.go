package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
	"github.com/rwdstudio/cohortengine/pkg/config"
)

func testClient(serverURL string) *Client {
	return &Client{
		apiKey:     "test-key",
		model:      "gpt-4o-mini",
		baseURL:    serverURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func envelopeWith(text string) map[string]any {
	return map[string]any{
		"output": []map[string]any{
			{"content": []map[string]any{{"type": "output_text", "text": text}}},
		},
	}
}

func TestResolveParsesResponse(t *testing.T) {
	payload := "```json\n" + `{
		"resolved": true,
		"code_system": "ICD10CM",
		"code_values": ["I50"],
		"matching_logic": "wildcard",
		"confidence": "high",
		"alternatives": [
			{"code_system": "SNOMED", "code_values": ["84114007"], "matching_logic": "hierarchy", "note": "descendant closure"}
		]
	}` + "\n```"

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/responses", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		json.NewEncoder(w).Encode(envelopeWith(payload))
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	resolution, err := client.Resolve(context.Background(), "heart failure", entities.DomainDiagnosis, "ICD10CM")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.True(t, resolution.Resolved)
	assert.Equal(t, []string{"I50"}, resolution.CodeValues)
	assert.Equal(t, entities.MatchWildcard, resolution.MatchingLogic)
	assert.Equal(t, entities.ConfidenceHigh, resolution.Confidence)
	require.Len(t, resolution.Alternatives, 1)
	assert.Equal(t, "SNOMED", resolution.Alternatives[0].CodeSystem)
}

func TestResolveUnresolvedConcept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelopeWith(`{"resolved": false, "confidence": "low"}`))
	}))
	defer srv.Close()

	resolution, err := testClient(srv.URL).Resolve(context.Background(), "frailty", entities.DomainObservation, "")
	require.NoError(t, err)
	assert.False(t, resolution.Resolved)
	assert.Empty(t, resolution.CodeValues)
}

func TestResolveRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Resolve(context.Background(), "heart failure", entities.DomainDiagnosis, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestResolveRejectsEmptyConcept(t *testing.T) {
	_, err := testClient("http://unused").Resolve(context.Background(), "", entities.DomainDiagnosis, "")
	assert.Error(t, err)
}

func TestResolveRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelopeWith("not json at all"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Resolve(context.Background(), "heart failure", entities.DomainDiagnosis, "")
	assert.Error(t, err)
}

func TestParseResolutionPayload(t *testing.T) {
	t.Run("resolved without codes is invalid", func(t *testing.T) {
		_, err := parseResolutionPayload([]byte(`{"resolved": true, "code_values": []}`))
		assert.Error(t, err)
	})

	t.Run("unknown matching logic is invalid", func(t *testing.T) {
		_, err := parseResolutionPayload([]byte(`{"resolved": true, "code_values": ["I50"], "matching_logic": "fuzzy"}`))
		assert.Error(t, err)
	})
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(&config.ResolverConfig{})
	assert.Error(t, err)

	client, err := NewClient(&config.ResolverConfig{APIKey: "k", RateLimitRPM: 60, RateLimitBurst: 2})
	require.NoError(t, err)
	assert.NotNil(t, client.limiter)
}

func TestTokenBucketRespectsContext(t *testing.T) {
	bucket := newTokenBucketWithRate(60, 1)
	defer bucket.Close()
	require.NoError(t, bucket.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bucket.Wait(ctx), context.DeadlineExceeded)
}

func TestTokenBucketCloseReleasesWaiters(t *testing.T) {
	bucket := newTokenBucketWithRate(60, 1)
	require.NoError(t, bucket.Wait(context.Background())) // drain the burst

	done := make(chan error, 1)
	go func() { done <- bucket.Wait(context.Background()) }()

	bucket.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after close")
	}

	bucket.Close() // idempotent
}

func TestClientCloseWithoutLimiter(t *testing.T) {
	testClient("http://unused").Close()
}
