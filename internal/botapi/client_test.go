package botapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123456:TESTSECRET"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, testToken, 2*time.Second, 1000)
}

func TestGetMe_OK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot"+testToken+"/getMe", r.URL.Path)
		fmt.Fprint(w, `{"ok":true,"result":{"id":42,"username":"prizebot","first_name":"Prize Bot"}}`)
	})

	id, err := c.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.ID)
	assert.Equal(t, "prizebot", id.Username)
}

func TestGetMe_InvalidCredential(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusNotFound} {
		t.Run(fmt.Sprintf("http_%d", code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":"Unauthorized"}`, code)
			})

			_, err := c.GetMe(context.Background())
			assert.ErrorIs(t, err, ErrCredentialInvalid)
		})
	}
}

func TestProbeUpdates_Clean(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "0", q.Get("timeout"))
		assert.Equal(t, "-1", q.Get("offset"))
		assert.Equal(t, "1", q.Get("limit"))
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	})

	res, err := c.ProbeUpdates(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Conflict)
}

func TestProbeUpdates_ConflictCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`)
	})

	res, err := c.ProbeUpdates(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Contains(t, res.Description, "terminated by other")
}

func TestProbeUpdates_OtherErrorIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request"}`)
	})

	_, err := c.ProbeUpdates(context.Background())
	assert.Error(t, err)
}

func TestWebhookURL(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"registered", `{"ok":true,"result":{"url":"https://example.invalid/hook"}}`, "https://example.invalid/hook"},
		{"empty", `{"ok":true,"result":{"url":""}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			got, err := c.WebhookURL(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorsNeverLeakToken(t *testing.T) {
	// Point at a closed port so the transport fails with the URL in the error.
	c := New("http://127.0.0.1:1", testToken, 200*time.Millisecond, 1000)

	_, err := c.GetMe(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)

	_, err = c.ProbeUpdates(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
}

func TestIsConflictSignal(t *testing.T) {
	assert.True(t, IsConflictSignal(409, ""))
	assert.True(t, IsConflictSignal(0, "Conflict: Terminated by other getUpdates request"))
	assert.False(t, IsConflictSignal(400, "Bad Request"))
	assert.False(t, IsConflictSignal(0, ""))
}

func TestRedactStripsToken(t *testing.T) {
	c := New("http://x", testToken, time.Second, 1)
	err := c.redact(fmt.Errorf("Get \"http://x/bot%s/getMe\": dial refused", testToken))
	assert.False(t, strings.Contains(err.Error(), testToken))
	assert.Contains(t, err.Error(), "***")
}
