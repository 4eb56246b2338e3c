package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": 1, "name": "ada"}`))
	}))
	defer srv.Close()

	inv := New()
	resp, err := inv.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	obj, ok := resp.Body.Object()
	require.True(t, ok)
	assert.Equal(t, "ada", obj["name"].String())
}

func TestDoTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	inv := New()
	resp, err := inv.Do(context.Background(), Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Body.String())
}

func TestDoSendsHeadersAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bar", r.URL.Query().Get("foo"))
		assert.Equal(t, "token123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	inv := New()
	resp, err := inv.Do(context.Background(), Request{
		Method:  "GET",
		URL:     srv.URL,
		Query:   map[string]string{"foo": "bar"},
		Headers: map[string]string{"Authorization": "token123"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestDoJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	inv := New()
	resp, err := inv.Do(context.Background(), Request{
		Method: "POST",
		URL:    srv.URL,
		Body:   map[string]interface{}{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestDoConnectionRefused(t *testing.T) {
	inv := New()
	_, err := inv.Do(context.Background(), Request{Method: "GET", URL: "http://127.0.0.1:1"})
	assert.Error(t, err)
}
