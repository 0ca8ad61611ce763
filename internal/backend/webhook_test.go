package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

func TestWebhookSuccessDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rows": 3}`))
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, logx.Nop())
	result, err := wh.Execute(context.Background(), task.Payload{"query": "status"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["rows"] != float64(3) {
		t.Fatalf("result = %#v", result)
	}
}

func TestWebhook4xxIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, logx.Nop())
	_, err := wh.Execute(context.Background(), nil)
	if err == nil || !IsNoRetry(err) {
		t.Fatalf("err = %v, want NoRetry", err)
	}
}

func TestWebhook429CarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, logx.Nop())
	_, err := wh.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("want error")
	}
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("err = %v, want RetryAfterError", err)
	}
	if ra.RetryAfter() != 7*time.Second {
		t.Fatalf("retry after = %v, want 7s", ra.RetryAfter())
	}
	if IsNoRetry(err) {
		t.Fatal("429 must stay retryable")
	}
}

func TestWebhook5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, logx.Nop())
	_, err := wh.Execute(context.Background(), nil)
	if err == nil || IsNoRetry(err) {
		t.Fatalf("err = %v, want plain retryable error", err)
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(task.KindCustom, Func(func(ctx context.Context, p task.Payload) (any, error) {
		return p["echo"], nil
	}))

	got, err := reg.Execute(context.Background(), task.KindCustom, task.Payload{"echo": "hi"})
	if err != nil || got != "hi" {
		t.Fatalf("execute = (%v, %v)", got, err)
	}

	if _, err := reg.Execute(context.Background(), task.KindMonitoring, nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}
