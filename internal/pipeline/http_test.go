package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftlab/replygate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPProcessor(t *testing.T) {
	_, err := NewHTTPProcessor(Config{})
	assert.Error(t, err, "url is required")

	p, err := NewHTTPProcessor(Config{URL: "http://pipeline.local/process"})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestHTTPProcessor_Process(t *testing.T) {
	msg := &domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		Sender:         "customer@example.com",
		Subject:        "Quote request",
		Body:           "Please quote 100 units.",
		ToRecipients:   []string{"sales@ourco.example"},
	}

	t.Run("posts the message and decodes the draft", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "m1", req["message_id"])
			assert.Equal(t, "customer@example.com", req["sender"])

			json.NewEncoder(w).Encode(Result{
				DraftMessageID: "draft-1",
				ConversationID: "c1",
				Scenario:       "quote_request",
				DraftSubject:   "Re: Quote request",
				DraftBody:      "Here is the quote.",
			})
		}))
		defer server.Close()

		p, err := NewHTTPProcessor(Config{URL: server.URL})
		require.NoError(t, err)

		result, err := p.Process(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, "draft-1", result.DraftMessageID)
		assert.Equal(t, "quote_request", result.Scenario)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		p, err := NewHTTPProcessor(Config{URL: server.URL})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), msg)
		var transient *TransientError
		require.True(t, errors.As(err, &transient))
		assert.True(t, transient.IsRetryable())
		assert.Equal(t, http.StatusBadGateway, transient.Code)
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		p, err := NewHTTPProcessor(Config{URL: server.URL})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), msg)
		var permanent *PermanentError
		require.True(t, errors.As(err, &permanent))
		assert.False(t, permanent.IsRetryable())
	})

	t.Run("result without ids is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"scenario": "unknown"}`))
		}))
		defer server.Close()

		p, err := NewHTTPProcessor(Config{URL: server.URL})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), msg)
		var permanent *PermanentError
		require.True(t, errors.As(err, &permanent))
	})

	t.Run("connection failure is transient", func(t *testing.T) {
		p, err := NewHTTPProcessor(Config{URL: "http://127.0.0.1:1/process"})
		require.NoError(t, err)

		_, err = p.Process(context.Background(), msg)
		var transient *TransientError
		require.True(t, errors.As(err, &transient))
	})
}
