package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const messageBody = `{
	"id": "msg-1",
	"conversationId": "conv-1",
	"internetMessageId": "<abc@example.com>",
	"subject": "Quote request",
	"bodyPreview": "Hello",
	"isDraft": false,
	"receivedDateTime": "2026-03-10T12:00:00Z",
	"sentDateTime": "2026-03-10T11:59:58Z",
	"body": {"content": "Hello, could you send a quote?"},
	"from": {"emailAddress": {"address": "Customer@Example.com"}},
	"toRecipients": [{"emailAddress": {"address": "sales@ourco.example"}}]
}`

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:             baseURL,
		Mailbox:             "me",
		NotFoundMaxAttempts: 3,
		NotFoundBaseDelay:   5 * time.Millisecond,
		ThrottleBaseDelay:   5 * time.Millisecond,
		RequestTimeout:      time.Second,
		RateLimit:           1000,
		RateBurst:           1000,
	}
}

func TestClient_GetMessage(t *testing.T) {
	t.Run("parses a successful response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/me/messages/msg-1", r.URL.Path)
			assert.NotEmpty(t, r.URL.Query().Get("$select"))
			w.Write([]byte(messageBody))
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		msg, err := client.GetMessage(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "conv-1", msg.ConversationID)
		assert.Equal(t, "<abc@example.com>", msg.InternetMsgID)
		assert.Equal(t, "Customer@Example.com", msg.Sender)
		assert.Equal(t, []string{"sales@ourco.example"}, msg.ToRecipients)
		assert.Equal(t, "Hello, could you send a quote?", msg.Body)
		assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), msg.ReceivedDateTime)
	})

	t.Run("retries not found until the resource appears", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(messageBody))
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		msg, err := client.GetMessage(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("exhausts the not-found budget", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		_, err := client.GetMessage(context.Background(), "msg-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFoundExhausted)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, int32(3), calls.Load(), "max attempts means max requests")
	})

	t.Run("throttling does not consume the not-found budget", func(t *testing.T) {
		// Alternate 429 and 404 responses: with a not-found budget of 3, the
		// fetch only succeeds if the throttle responses are not counted.
		responses := []int{
			http.StatusTooManyRequests,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusOK,
		}
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			i := int(calls.Add(1)) - 1
			if i >= len(responses) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if responses[i] == http.StatusOK {
				w.Write([]byte(messageBody))
				return
			}
			w.WriteHeader(responses[i])
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		msg, err := client.GetMessage(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, int32(len(responses)), calls.Load())
	})

	t.Run("honors a larger Retry-After", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(messageBody))
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		start := time.Now()
		_, err := client.GetMessage(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
	})

	t.Run("other upstream failures are permanent and immediate", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		_, err := client.GetMessage(context.Background(), "msg-1")
		require.Error(t, err)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("cancellation interrupts the retry sleep", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		cfg := testConfig(server.URL)
		cfg.NotFoundBaseDelay = time.Minute
		client := NewClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.GetMessage(ctx, "msg-1")
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestMailboxPath(t *testing.T) {
	assert.Equal(t, "me", mailboxPath(""))
	assert.Equal(t, "me", mailboxPath("me"))
	assert.Equal(t, "users/sales@ourco.example", mailboxPath("sales@ourco.example"))
}
