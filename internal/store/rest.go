package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RESTStore talks to the external JSON message store over HTTP.
type RESTStore struct {
	base   string
	client *http.Client
}

func NewRESTStore(baseURL string, timeout time.Duration) *RESTStore {
	return &RESTStore{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *RESTStore) AppendMessage(ctx context.Context, rec ChatRecord) error {
	return s.post(ctx, "/messages", rec)
}

func (s *RESTStore) MarkRead(ctx context.Context, readerID string, messageIDs []string) error {
	payload := struct {
		ReaderID   string   `json:"readerId"`
		MessageIDs []string `json:"messageIds"`
	}{ReaderID: readerID, MessageIDs: messageIDs}
	return s.post(ctx, "/messages/read", payload)
}

func (s *RESTStore) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("store: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
