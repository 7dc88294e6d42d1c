package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	ferrors "github.com/vinayprograms/botfleet/errors"
)

// --- Unit Tests ---

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New("http://x", " "); !errors.Is(err, ErrMissingToken) {
		t.Errorf("New without token = %v, want ErrMissingToken", err)
	}
}

func TestFilterString(t *testing.T) {
	tests := []struct {
		f    Filter
		want string
	}{
		{Filter{Type: TypeMain}, "type:main"},
		{Filter{Type: TypeReferral, OwnerID: 42}, "type:referral,owner:42"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Filter%+v.String() = %q, want %q", tt.f, got, tt.want)
		}
	}
}

func TestClient_ListBots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/bots" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("filter"); got != "type:referral,owner:7" {
			t.Errorf("filter = %q", got)
		}
		if got := r.Header.Get(HeaderAPIKey); got != "svc" {
			t.Errorf("api key = %q, want svc", got)
		}
		w.Write([]byte(`{"items":[{"id":1,"type":"referral","owner_id":7,"token":"T1","is_active":true,"is_primary":true}],"total":1}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "svc")
	recs, err := c.ListBots(context.Background(), Filter{Type: TypeReferral, OwnerID: 7})
	if err != nil {
		t.Fatalf("ListBots: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != 1 || !recs[0].IsPrimary || recs[0].OwnerID != 7 {
		t.Errorf("records = %+v", recs)
	}
}

func TestClient_ListBotsEmptyIsNotNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":0}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "svc")
	recs, err := c.ListBots(context.Background(), Filter{Type: TypeMain})
	if err != nil || recs == nil || len(recs) != 0 {
		t.Errorf("ListBots = %v, %v; want empty non-nil", recs, err)
	}
}

func TestClient_ListBotsSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "svc")
	recs, err := c.ListBots(context.Background(), Filter{Type: TypeMain})
	if err == nil {
		t.Fatal("expected error")
	}
	if recs != nil {
		t.Errorf("records = %v, want nil on failure", recs)
	}
	if !ferrors.IsTransient(err) {
		t.Errorf("5xx should be transient, got %v", ferrors.Code(err))
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected APIError 502, got %v", err)
	}
}

func TestClient_ListBotsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := New(url, "svc")
	if _, err := c.ListBots(context.Background(), Filter{Type: TypeMain}); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestClient_Mutations(t *testing.T) {
	type call struct {
		method, path string
		body         map[string]any
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(data, &body)
		calls = append(calls, call{r.Method, r.URL.Path, body})
		if r.URL.Path == "/bots/main" {
			w.Write([]byte(`{"id":9,"type":"main","token":"T9","username":"new_bot","is_active":true}`))
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "svc")
	ctx := context.Background()

	if err := c.SetActive(ctx, 3, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	rec, err := c.RegisterMainBot(ctx, "T9", "new_bot")
	if err != nil {
		t.Fatalf("RegisterMainBot: %v", err)
	}
	if rec.ID != 9 || !rec.IsActive {
		t.Errorf("registered record = %+v", rec)
	}
	if err := c.ReportBlocked(ctx, 42); err != nil {
		t.Fatalf("ReportBlocked: %v", err)
	}

	want := []call{
		{http.MethodPut, "/bots/3/status", map[string]any{"is_active": false}},
		{http.MethodPost, "/bots/main", map[string]any{"token": "T9", "username": "new_bot"}},
		{http.MethodPatch, "/users/42/status", map[string]any{"bot_is_blocked_by_user": true}},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i, w := range want {
		got := calls[i]
		if got.method != w.method || got.path != w.path {
			t.Errorf("call %d = %s %s, want %s %s", i, got.method, got.path, w.method, w.path)
		}
		for k, v := range w.body {
			if got.body[k] != v {
				t.Errorf("call %d body[%s] = %v, want %v", i, k, got.body[k], v)
			}
		}
	}
}

func TestClient_SetActiveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "svc")
	err := c.SetActive(context.Background(), 1, true)
	if !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Errorf("SetActive on 404 = %v, want NOT_FOUND", err)
	}
}

func TestMemoryGateway(t *testing.T) {
	g := NewMemoryGateway(
		BotRecord{ID: 2, Type: TypeReferral, OwnerID: 1, Token: "B", IsActive: true},
		BotRecord{ID: 1, Type: TypeReferral, OwnerID: 1, Token: "A", IsActive: true},
		BotRecord{ID: 3, Type: TypeMain, Token: "M", IsActive: true},
	)
	ctx := context.Background()

	recs, _ := g.ListBots(ctx, Filter{Type: TypeReferral})
	if len(recs) != 2 || recs[0].ID != 1 || recs[1].ID != 2 {
		t.Errorf("referral records = %+v", recs)
	}

	g.SetActive(ctx, 1, false)
	if r, _ := g.Get(1); r.IsActive {
		t.Error("record 1 still active")
	}
	if err := g.SetActive(ctx, 99, false); !ferrors.Is(err, ferrors.ErrCodeNotFound) {
		t.Errorf("SetActive unknown = %v", err)
	}

	rec, _ := g.RegisterMainBot(ctx, "N", "new")
	if rec.ID != 4 {
		t.Errorf("new record id = %d, want 4", rec.ID)
	}

	g.SetListErr(errors.New("down"))
	if _, err := g.ListBots(ctx, Filter{Type: TypeMain}); err == nil {
		t.Error("expected scripted list error")
	}

	g.ReportBlocked(ctx, 5)
	if !g.Blocked(5) {
		t.Error("chat 5 not recorded as blocked")
	}
}
