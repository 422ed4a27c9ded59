// Package storage keeps uploaded objects and hands out expiring signed URLs for them.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SignedURLTTL is how long download links handed to workers stay valid.
const SignedURLTTL = 3600 * time.Second

const objectsPrefix = "/objects/"

var (
	ErrNotFound         = errors.New("object not found")
	ErrInvalidPath      = errors.New("invalid object path")
	ErrInvalidSignature = errors.New("invalid or expired signature")
	ErrTooLarge         = errors.New("object exceeds size limit")
)

type ObjectStore interface {
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	Download(ctx context.Context, objectPath string) (io.ReadCloser, error)
	Delete(ctx context.Context, objectPath string) error
}

type LocalConfig struct {
	Root       string
	SigningKey string
	BaseURL    string
}

// LocalStore keeps objects on disk under Root and signs URLs served by Handler.
type LocalStore struct {
	root    string
	key     []byte
	baseURL string
	now     func() time.Time
}

func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("storage root is required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("storage signing key is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{
		root:    cfg.Root,
		key:     []byte(cfg.SigningKey),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     time.Now,
	}, nil
}

func (s *LocalStore) SignedURL(_ context.Context, objectPath string, ttl time.Duration) (string, error) {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = SignedURLTTL
	}
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)

	query := url.Values{}
	query.Set("expires", expires)
	query.Set("signature", s.sign(clean, expires))
	return s.baseURL + objectsPrefix + escapePath(clean) + "?" + query.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (s *LocalStore) Verify(objectPath, expires, signature string) error {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return err
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > unix {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(s.sign(clean, expires)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *LocalStore) Put(_ context.Context, objectPath string, r io.Reader) error {
	full, err := s.fullPath(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	file, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return fmt.Errorf("write object: %w", err)
	}
	return file.Close()
}

func (s *LocalStore) Download(_ context.Context, objectPath string) (io.ReadCloser, error) {
	full, err := s.fullPath(objectPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return file, nil
}

func (s *LocalStore) Delete(_ context.Context, objectPath string) error {
	full, err := s.fullPath(objectPath)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Handler serves GET /objects/<path> for requests carrying a valid signature.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		objectPath := strings.TrimPrefix(r.URL.Path, objectsPrefix)
		query := r.URL.Query()
		if err := s.Verify(objectPath, query.Get("expires"), query.Get("signature")); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		full, err := s.fullPath(objectPath)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if _, err := os.Stat(full); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, full)
	})
}

func (s *LocalStore) sign(objectPath, expires string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(objectPath))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) fullPath(objectPath string) (string, error) {
	clean, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// ReadAll downloads an object fully, refusing objects above maxBytes when maxBytes > 0.
func ReadAll(ctx context.Context, store ObjectStore, objectPath string, maxBytes int64) ([]byte, error) {
	body, err := store.Download(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	reader := io.Reader(body)
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func cleanPath(objectPath string) (string, error) {
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" || strings.HasPrefix(objectPath, "/") || strings.Contains(objectPath, "\\") {
		return "", ErrInvalidPath
	}
	clean := path.Clean(objectPath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

func escapePath(objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
