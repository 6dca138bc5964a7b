package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

func setupTestOrigin(t *testing.T) (*MemoryOrigin, *Client) {
	t.Helper()
	origin := NewMemoryOrigin()
	srv := httptest.NewServer(NewHandler(origin, nil))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return origin, client
}

func TestClient_SyncBatch(t *testing.T) {
	origin, client := setupTestOrigin(t)
	ctx := context.Background()

	resp, err := client.SyncBatch(ctx, batch(
		Item{ID: "1", Kind: schema.KindCreate, EntityType: "card", EntityID: "c1", Payload: schema.Payload(`{"title":"a"}`)},
	))
	if err != nil {
		t.Fatalf("SyncBatch() failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != StatusOK || resp.Results[0].NewVersion != 1 {
		t.Fatalf("SyncBatch() = %+v, want one ok result at v1", resp.Results)
	}
	if resp.Bytes <= 0 {
		t.Errorf("Bytes = %d, want > 0", resp.Bytes)
	}

	state, ok := origin.Get("card", "c1")
	if !ok || string(state.Payload) != `{"title":"a"}` {
		t.Errorf("origin state = %+v, %v", state, ok)
	}

	pull, err := client.Pull(ctx, "", 10)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(pull.Changes) != 1 || pull.Cursor == "" {
		t.Errorf("Pull() = %+v, want one change and a cursor", pull)
	}

	info, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health() failed: %v", err)
	}
	if info.Status != "ok" || info.Entities != 1 || info.Protocol != ProtocolVersion {
		t.Errorf("Health() = %+v", info)
	}
}

func TestClient_Compression(t *testing.T) {
	origin := NewMemoryOrigin()
	var mu sync.Mutex
	var encodings []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		encodings = append(encodings, r.Header.Get("Content-Encoding"))
		mu.Unlock()
		NewHandler(origin, nil).ServeHTTP(w, r)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}

	big := fmt.Sprintf(`{"body":%q}`, strings.Repeat("lorem ipsum ", 500))
	var items []Item
	for i := 0; i < 20; i++ {
		items = append(items, Item{ID: fmt.Sprint(i), Kind: schema.KindCreate, EntityType: "doc", EntityID: fmt.Sprint(i), Payload: schema.Payload(big)})
	}
	resp, err := client.SyncBatch(context.Background(), batch(items...))
	if err != nil {
		t.Fatalf("SyncBatch() failed: %v", err)
	}
	if len(resp.Results) != 20 {
		t.Fatalf("got %d results, want 20", len(resp.Results))
	}
	if resp.Bytes >= int64(len(big)*20) {
		t.Errorf("Bytes = %d, want compressed size below %d", resp.Bytes, len(big)*20)
	}
	if state, _ := origin.Get("doc", "7"); string(state.Payload) != big {
		t.Error("compressed payload did not round-trip")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(encodings) != 1 || encodings[0] != "zstd" {
		t.Errorf("request encodings = %v, want [zstd]", encodings)
	}
}

func TestClient_TransportErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		header        map[string]string
		wantTransient bool
		wantRetry     time.Duration
		wantProtocol  bool
	}{
		{name: "server error", status: http.StatusBadGateway, wantTransient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, wantTransient: true, wantRetry: 7 * time.Second},
		{name: "bad request", status: http.StatusBadRequest},
		{name: "newer major", status: http.StatusOK, header: map[string]string{HeaderProtocol: "v2.0.0"}, wantProtocol: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			client, err := NewClient(srv.URL)
			if err != nil {
				t.Fatalf("NewClient() failed: %v", err)
			}
			_, err = client.SyncBatch(context.Background(), batch(Item{ID: "1", Kind: schema.KindSync, EntityType: "x", EntityID: "y"}))
			if err == nil {
				t.Fatal("SyncBatch() succeeded, want error")
			}
			if got := IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v (err: %v)", got, tt.wantTransient, err)
			}
			if got := RetryAfterOf(err); got != tt.wantRetry {
				t.Errorf("RetryAfterOf() = %v, want %v", got, tt.wantRetry)
			}
			if got := errors.Is(err, ErrIncompatibleProtocol); got != tt.wantProtocol {
				t.Errorf("errors.Is(ErrIncompatibleProtocol) = %v, want %v", got, tt.wantProtocol)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	_, err = client.SyncBatch(context.Background(), batch())
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
}

func TestClient_RejectsUnknownResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":"ghost","status":"ok"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	if _, err := client.SyncBatch(context.Background(), batch(Item{ID: "1"})); err == nil {
		t.Error("SyncBatch() accepted a result for an unsent operation")
	}
}

func TestHandler_RejectsIncompatibleClient(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewMemoryOrigin(), nil))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/sync/batch", strings.NewReader(`{"operations":[]}`))
	req.Header.Set(HeaderProtocol, "v0.9.0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"ftp://origin", "://bad", ""} {
		if _, err := NewClient(u); err == nil {
			t.Errorf("NewClient(%q) succeeded", u)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{&TransportError{StatusCode: 503, Temporary: true, Err: errors.New("x")}, true},
		{&TransportError{StatusCode: 422, Err: errors.New("x")}, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
