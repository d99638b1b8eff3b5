package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// TestRun_ServeCommand_FailsWithoutDatabase はserveコマンドがDB接続に失敗した場合にエラーを返すことを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
}

// TestRun_DefaultCommand_FailsWithoutDatabase はデフォルトコマンド（serve）も同様にDB接続を試みることを検証する。
func TestRun_DefaultCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{}); err == nil {
		t.Fatal("Run([]) should fail when the database is unreachable")
	}
}

// TestRun_CleanupCommand_FailsWithoutDatabase はcleanupコマンドがDB接続を試みることを検証する。
func TestRun_CleanupCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"cleanup"}); err == nil {
		t.Fatal("Run(cleanup) should fail when the database is unreachable")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Healthcheck(t *testing.T) {
	t.Run("200なら成功", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		setServerEnv(t, srv.URL)

		var buf bytes.Buffer
		if err := Run(&buf, []string{"healthcheck"}); err != nil {
			t.Errorf("healthcheck should succeed, got %v", err)
		}
	})

	t.Run("503なら失敗", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		setServerEnv(t, srv.URL)

		var buf bytes.Buffer
		if err := Run(&buf, []string{"healthcheck"}); err == nil {
			t.Error("healthcheck should fail on 503")
		}
	})

	t.Run("DATABASE_URLがなくても実行できる", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		setServerEnv(t, srv.URL)
		t.Setenv("DATABASE_URL", "")

		var buf bytes.Buffer
		if err := Run(&buf, []string{"healthcheck"}); err != nil {
			t.Errorf("healthcheck should not require full config, got %v", err)
		}
	})
}

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", testDatabaseURL)
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SESSION_FILE", t.TempDir()+"/session.json")
}

func setServerEnv(t *testing.T, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	t.Setenv("SERVER_HOST", u.Hostname())
	t.Setenv("SERVER_PORT", u.Port())
}
