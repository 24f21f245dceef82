package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
)

func TestClientComplete(t *testing.T) {
	t.Parallel()

	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		payload := map[string]any{
			"model": "llama-3.3-70b-versatile",
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": ` {"language_level":"B1"} `,
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     1200,
				"completion_tokens": 300,
				"total_tokens":      1500,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	got, err := client.Complete(context.Background(), pipeline.CompletionRequest{
		System:      "Du bist Experte für deutsche Lernertexte.",
		User:        "Analysiere diesen Artikel.",
		MaxTokens:   1000,
		Temperature: 0.3,
		JSONMode:    true,
	})
	require.NoError(t, err)

	require.Equal(t, `{"language_level":"B1"}`, got.Content, "content must be trimmed")
	require.Equal(t, "llama-3.3-70b-versatile", got.Model)
	require.Equal(t, int64(1200), got.InputTokens)
	require.Equal(t, int64(300), got.OutputTokens)
	require.Equal(t, int64(1500), got.TotalTokens())
	require.InDelta(t, 1200.0/1e6*0.59+300.0/1e6*0.79, got.CostUSD, 1e-12)

	require.Equal(t, "llama-3.3-70b-versatile", captured.Model)
	require.Len(t, captured.Messages, 2)
	require.Equal(t, "system", captured.Messages[0].Role)
	require.Equal(t, "user", captured.Messages[1].Role)
	require.Equal(t, 1000, captured.MaxTokens)
	require.InDelta(t, 0.3, captured.Temperature, 1e-12)
	require.NotNil(t, captured.ResponseFormat)
	require.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestClientCompleteOmitsSystemAndFormat(t *testing.T) {
	t.Parallel()

	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		payload := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "Hallo"}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "testmodell"})
	got, err := client.Complete(context.Background(), pipeline.CompletionRequest{User: "Sag hallo."})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 1)
	require.Equal(t, "user", captured.Messages[0].Role)
	require.Nil(t, captured.ResponseFormat)
	require.Equal(t, "testmodell", got.Model, "config model backfills a missing response model")
	require.Zero(t, got.CostUSD, "no usage reported means nothing to price")
}

func TestClientCompleteStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusServiceUnavailable, permanent: false},
		{name: "request timeout", status: http.StatusRequestTimeout, permanent: false},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "unauthorized", status: http.StatusUnauthorized, permanent: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "kaputt", tc.status)
			}))
			defer server.Close()

			client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
			_, err := client.Complete(context.Background(), pipeline.CompletionRequest{User: "hallo"})
			require.Error(t, err)
			require.Contains(t, err.Error(), "kaputt")
			require.Equal(t, tc.permanent, batch.IsPermanent(err))
		})
	}
}

func TestClientCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"choices": []any{}}))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), pipeline.CompletionRequest{User: "hallo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty choices")
	require.False(t, batch.IsPermanent(err), "provider glitches deserve a retry")
}

func TestClientCompleteAPIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]any{"error": map[string]any{"message": "model overloaded"}}
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), pipeline.CompletionRequest{User: "hallo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model overloaded")
}

func TestClientCompleteMissingInputs(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{APIKey: "test-key"})
	_, err := client.Complete(context.Background(), pipeline.CompletionRequest{})
	require.Error(t, err)
	require.True(t, batch.IsPermanent(err), "an empty prompt never becomes valid")

	client = NewClient(Config{})
	_, err = client.Complete(context.Background(), pipeline.CompletionRequest{User: "hallo"})
	require.Error(t, err)
	require.True(t, batch.IsPermanent(err))
	require.Contains(t, err.Error(), "api key required")
}

func TestPricingCost(t *testing.T) {
	t.Parallel()

	p := DefaultPricing()
	require.InDelta(t, 0.59, p.InputPer1M, 1e-12)
	require.InDelta(t, 0.79, p.OutputPer1M, 1e-12)

	require.InDelta(t, 0.59+0.79, p.Cost(1_000_000, 1_000_000), 1e-9)
	require.Zero(t, p.Cost(0, 0))

	custom := Pricing{InputPer1M: 2, OutputPer1M: 4}
	require.InDelta(t, 2.0/1e6*500+4.0/1e6*250, custom.Cost(500, 250), 1e-12)
}
