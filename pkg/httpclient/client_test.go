package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNew はNew関数を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("クライアントが正常に生成されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client == nil {
			t.Fatal("New()がnilを返した")
		}
		if client.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", client.baseURL, "http://localhost:8080")
		}
		if client.httpClient == nil {
			t.Fatal("httpClientがnil")
		}
	})

	t.Run("ストリーム用に全体タイムアウトが無効であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client.httpClient.Timeout != 0 {
			t.Errorf("Timeout = %v, want 0", client.httpClient.Timeout)
		}
	})

	t.Run("Bearerトークンが空の場合はヘッダーを付与しないこと", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithBearerToken(""))
		if got := client.header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
	})
}

// TestOpenStream はOpenStream関数を検証する。
func TestOpenStream(t *testing.T) {
	t.Parallel()

	t.Run("SSE用のヘッダーと認証ヘッダーを付与して接続できること", func(t *testing.T) {
		t.Parallel()

		var got http.Header
		var gotPath string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "event: ping\ndata: {}\n\n")
		}))
		defer ts.Close()

		client := New(ts.URL, WithBearerToken("secret"), WithHeader("X-Api-Key", "key-1"))
		resp, err := client.OpenStream(context.Background(), "/stream")
		if err != nil {
			t.Fatalf("OpenStream()でエラーが発生: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if string(body) != "event: ping\ndata: {}\n\n" {
			t.Errorf("body = %q", string(body))
		}
		if gotPath != "/stream" {
			t.Errorf("Path = %q, want %q", gotPath, "/stream")
		}
		if got.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want %q", got.Get("Accept"), "text/event-stream")
		}
		if got.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", got.Get("Authorization"), "Bearer secret")
		}
		if got.Get("X-Api-Key") != "key-1" {
			t.Errorf("X-Api-Key = %q, want %q", got.Get("X-Api-Key"), "key-1")
		}
	})

	t.Run("2xx以外の場合にStatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
		}))
		defer ts.Close()

		client := New(ts.URL)
		_, err := client.OpenStream(context.Background(), "")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("error = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusServiceUnavailable)
		}
		if statusErr.Body != "maintenance" {
			t.Errorf("Body = %q, want %q", statusErr.Body, "maintenance")
		}
	})

	t.Run("接続できない場合にエラーが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://127.0.0.1:1")
		if _, err := client.OpenStream(context.Background(), ""); err == nil {
			t.Fatal("OpenStream()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("コンテキストがキャンセル済みの場合にエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := New(ts.URL)
		if _, err := client.OpenStream(ctx, ""); err == nil {
			t.Fatal("OpenStream()がエラーを返すべきだが、nilが返った")
		}
	})
}
