package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnsureAccountTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_registered"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil, "me@example.com", "dev-1", nil)
	if err := c.EnsureAccount(context.Background()); err != nil {
		t.Fatalf("conflict should be success, got %v", err)
	}
}

func TestRegisterMessageSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"id":"srv-42"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil, "me@example.com", "dev-1", nil)
	id, err := c.RegisterMessage(context.Background(), "task-abc", "hello", []string{"bob@example.com"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv-42" {
		t.Errorf("id = %q", id)
	}
	if gotKey != "task-abc" {
		t.Errorf("idempotency key = %q, want task-abc", gotKey)
	}
}

func TestListMessagesPagination(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cursor") == "p2" {
			_ = json.NewEncoder(w).Encode(MessagePage{Messages: []WireMessage{{ID: "m3"}}})
			return
		}
		if q.Get("received") != "true" {
			t.Errorf("received = %q, want true", q.Get("received"))
		}
		if q.Get("since") == "" {
			t.Error("since missing")
		}
		_ = json.NewEncoder(w).Encode(MessagePage{
			Messages: []WireMessage{{ID: "m1"}, {ID: "m2"}},
			Next:     srv.URL + "/v1/messages?cursor=p2",
		})
	})

	c := NewClient(srv.URL, srv.Client(), nil, "me@example.com", "dev-1", nil)

	page1, err := c.ListMessages(context.Background(), PartitionReceived, "2026-08-01T00:00:00Z", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page1.Messages) != 2 || page1.Next == "" {
		t.Fatalf("page1 = %+v", page1)
	}

	page2, err := c.ListMessages(context.Background(), PartitionReceived, "2026-08-01T00:00:00Z", page1.Next)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Messages) != 1 || page2.Next != "" {
		t.Fatalf("page2 = %+v", page2)
	}
}

func TestNotifyLogoutUsesSnapshotToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil, "me@example.com", "dev-1", nil)
	if err := c.NotifyLogout(context.Background(), "tok-snapshot", "dev-1", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok-snapshot" {
		t.Errorf("authorization = %q, want snapshot token", gotAuth)
	}
}
