package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTStoreAppendMessage(t *testing.T) {
	var got ChatRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, time.Second)
	err := s.AppendMessage(context.Background(), ChatRecord{
		From:    "alice",
		To:      "bob",
		Content: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "hi", got.Content)
}

func TestRESTStoreMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/read", r.URL.Path)
		var body struct {
			ReaderID   string   `json:"readerId"`
			MessageIDs []string `json:"messageIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bob", body.ReaderID)
		assert.Equal(t, []string{"m1"}, body.MessageIDs)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, time.Second)
	require.NoError(t, s.MarkRead(context.Background(), "bob", []string{"m1"}))
}

func TestRESTStoreErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, time.Second)
	assert.Error(t, s.AppendMessage(context.Background(), ChatRecord{}))
}
