package memory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Filters["namespace"] != "bot" {
			t.Errorf("missing namespace filter: %v", req.Filters)
		}
		json.NewEncoder(w).Encode(SearchResponse{Results: []Item{
			{ID: "m1", Memory: "likes coffee", Score: 0.92},
		}})
	}))
	defer srv.Close()

	c := NewClient(discardLogger(), srv.URL, time.Second)
	resp, err := c.Search(context.Background(), SearchRequest{
		Query:   "coffee",
		BotID:   "b1",
		Limit:   4,
		Filters: map[string]any{"namespace": "bot", "scopeId": "b1", "bot_id": "b1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Memory != "likes coffee" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClientAddErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(discardLogger(), srv.URL, time.Second)
	if _, err := c.Add(context.Background(), AddRequest{BotID: "b1"}); err == nil {
		t.Error("expected error on 503")
	}
}
