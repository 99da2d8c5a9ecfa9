package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/debai/internal/model"
)

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewOpenAIAdapter(Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)
	return a
}

func TestOpenAIAdapterChat(t *testing.T) {
	var got chatRequest
	a := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" df -h \n"}}]}`))
	})

	out, err := a.Chat(context.Background(), "llama3.2:3b", []model.Message{
		{Role: model.RoleSystem, Content: "you manage disks"},
		{Role: model.RoleUser, Content: "check disk"},
	}, Options{MaxTokens: 64})
	require.NoError(t, err)

	assert.Equal(t, "df -h", out)
	assert.Equal(t, "llama3.2:3b", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, 0.7, got.Temperature)
	assert.Equal(t, []chatMessage{{"system", "you manage disks"}, {"user", "check disk"}}, got.Messages)
}

func TestOpenAIAdapterEnsure(t *testing.T) {
	a := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"llama3.2:3b"}]}`))
	})

	assert.NoError(t, a.Ensure(context.Background(), "llama3.2:3b"))
	assert.ErrorIs(t, a.Ensure(context.Background(), "qwen"), ErrModelNotLoaded)
}

func TestOpenAIAdapterErrors(t *testing.T) {
	tests := map[string]struct {
		handler     http.HandlerFunc
		kind        ErrorKind
		unavailable bool
	}{
		"A 404 means the model isn't loaded.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"message":"no such model"}}`))
			},
			kind: KindModelNotLoaded,
		},
		"A 503 means the backend is unreachable.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			kind:        KindUnreachable,
			unavailable: true,
		},
		"A slow server times out.": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(3 * time.Second):
				}
			},
			kind:        KindTimeout,
			unavailable: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a := newOpenAIServer(t, test.handler)

			_, err := a.Generate(context.Background(), "m", "hi", Options{})
			var berr *Error
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, test.kind, berr.Kind)
			assert.Equal(t, test.unavailable, errors.Is(err, model.ErrBackendUnavailable))
		})
	}
}

func TestOpenAIAdapterUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := NewOpenAIAdapter(Config{BaseURL: url})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), "m", "hi", Options{})
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestOpenAIAdapterBadRequestIsNotTyped(t *testing.T) {
	a := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad temperature"}}`))
	})

	_, err := a.Generate(context.Background(), "m", "hi", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad temperature")
	assert.NotErrorIs(t, err, model.ErrBackendUnavailable)
}
