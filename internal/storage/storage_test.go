package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(LocalConfig{Root: t.TempDir(), SigningKey: "secret", BaseURL: "http://files.local/"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return store
}

func TestSignedURLRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, "t1/videos/intro clip.mp4", strings.NewReader("video-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	signed, err := store.SignedURL(ctx, "t1/videos/intro clip.mp4", SignedURLTTL)
	if err != nil {
		t.Fatalf("signed url: %v", err)
	}
	if !strings.HasPrefix(signed, "http://files.local/objects/t1/videos/intro%20clip.mp4?") {
		t.Fatalf("unexpected url %s", signed)
	}

	parsed, _ := url.Parse(signed)
	if got := parsed.Query().Get("expires"); got != "1700003600" {
		t.Fatalf("expected expiry one hour ahead, got %s", got)
	}

	req := httptest.NewRequest(http.MethodGet, parsed.RequestURI(), nil)
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "video-bytes" {
		t.Fatalf("expected object body, got %q", rec.Body.String())
	}
}

func TestHandlerRejectsTamperedAndExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.Put(ctx, "t1/a.pdf", strings.NewReader("pdf"))
	signed, _ := store.SignedURL(ctx, "t1/a.pdf", time.Minute)
	parsed, _ := url.Parse(signed)

	tampered := strings.Replace(parsed.RequestURI(), "a.pdf", "b.pdf", 1)
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tampered, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for tampered path, got %d", rec.Code)
	}

	store.now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(2 * time.Minute) }
	rec = httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, parsed.RequestURI(), nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired url, got %d", rec.Code)
	}
}

func TestPathTraversalIsRejected(t *testing.T) {
	store := newTestStore(t)
	for _, p := range []string{"../etc/passwd", "/abs/path", "", "a/../../b"} {
		if _, err := store.SignedURL(context.Background(), p, time.Minute); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected ErrInvalidPath for %q, got %v", p, err)
		}
	}
}

func TestDownloadDeleteAndReadAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.Put(ctx, "t1/doc.md", strings.NewReader("# Title"))

	data, err := ReadAll(ctx, store, "t1/doc.md", 100)
	if err != nil || string(data) != "# Title" {
		t.Fatalf("expected content, got %q err=%v", data, err)
	}
	if _, err := ReadAll(ctx, store, "t1/doc.md", 3); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	if err := store.Delete(ctx, "t1/doc.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Download(ctx, "t1/doc.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "t1/doc.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestNewLocalStoreRequiresKey(t *testing.T) {
	if _, err := NewLocalStore(LocalConfig{Root: t.TempDir()}); err == nil {
		t.Fatalf("expected error without signing key")
	}
}
