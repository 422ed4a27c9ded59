// Package transcribe turns video sources into transcripts, trying the cloud
// transcription provider first and a local yt-dlp/ffmpeg/whisper pipeline second.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/command"
)

const (
	MethodCloud   = "cloud"
	MethodWhisper = "whisper"

	defaultWhisperModel     = "base"
	defaultMaxDownloadBytes = 2 << 30
)

type Source struct {
	URL      string
	YouTube  bool
	Filename string
}

type Result struct {
	Text            string
	Model           string
	Method          string
	UsedFallback    bool
	DurationSeconds float64
}

type Config struct {
	Cloud            ai.Transcriber
	Runner           command.Runner
	HTTPClient       *http.Client
	WhisperModel     string
	TempDir          string
	MaxDownloadBytes int64
	Logger           *log.Logger
}

type Service struct {
	cloud        ai.Transcriber
	runner       command.Runner
	httpClient   *http.Client
	whisperModel string
	tempDir      string
	maxBytes     int64
	logger       *log.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Runner == nil {
		cfg.Runner = command.ExecRunner{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if strings.TrimSpace(cfg.WhisperModel) == "" {
		cfg.WhisperModel = defaultWhisperModel
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	return &Service{
		cloud:        cfg.Cloud,
		runner:       cfg.Runner,
		httpClient:   cfg.HTTPClient,
		whisperModel: cfg.WhisperModel,
		tempDir:      cfg.TempDir,
		maxBytes:     cfg.MaxDownloadBytes,
		logger:       cfg.Logger,
	}
}

// Transcribe returns the transcript of source. When both paths fail the error names both causes.
func (s *Service) Transcribe(ctx context.Context, source Source) (Result, error) {
	if strings.TrimSpace(source.URL) == "" {
		return Result{}, errors.New("video source url is required")
	}

	workDir, err := os.MkdirTemp(s.tempDir, "kp-video-*")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	w := &workspace{dir: workDir}
	result, cloudErr := s.transcribeCloud(ctx, source, w)
	if cloudErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	s.logf("cloud transcription failed, falling back to whisper err=%v", cloudErr)

	result, fallbackErr := s.transcribeLocal(ctx, source, w)
	if fallbackErr != nil {
		return Result{}, fmt.Errorf("both cloud and fallback transcription failed: cloud: %v, fallback: %w", cloudErr, fallbackErr)
	}
	return result, nil
}

// workspace holds the downloaded video so the fallback can reuse it.
type workspace struct {
	dir       string
	videoPath string
}

func (s *Service) transcribeCloud(ctx context.Context, source Source, w *workspace) (Result, error) {
	if s.cloud == nil {
		return Result{}, ai.ErrProviderUnavailable
	}

	var audio io.Reader
	if source.YouTube {
		if err := s.download(ctx, source, w); err != nil {
			return Result{}, err
		}
		file, err := os.Open(w.videoPath)
		if err != nil {
			return Result{}, fmt.Errorf("open video: %w", err)
		}
		defer file.Close()
		audio = file
	} else {
		body, err := s.fetch(ctx, source.URL)
		if err != nil {
			return Result{}, err
		}
		defer body.Close()
		audio = io.LimitReader(body, s.maxBytes)
	}

	transcript, err := s.cloud.Transcribe(ctx, ai.TranscribeRequest{
		Filename: filenameFor(source),
		Audio:    audio,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:            transcript.Text,
		Model:           transcript.ModelID,
		Method:          MethodCloud,
		DurationSeconds: transcript.DurationSeconds,
	}, nil
}

func (s *Service) transcribeLocal(ctx context.Context, source Source, w *workspace) (Result, error) {
	if err := s.download(ctx, source, w); err != nil {
		return Result{}, err
	}

	audioPath := filepath.Join(w.dir, "audio.wav")
	if _, err := s.runner.Run(ctx, "ffmpeg", "-y", "-i", w.videoPath, "-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", audioPath); err != nil {
		return Result{}, fmt.Errorf("extract audio: %w", err)
	}

	if _, err := s.runner.Run(ctx, "whisper", audioPath,
		"--model", s.whisperModel,
		"--output_format", "txt",
		"--output_dir", w.dir,
		"--fp16", "False",
	); err != nil {
		return Result{}, fmt.Errorf("whisper: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(w.dir, "audio.txt"))
	if err != nil {
		return Result{}, fmt.Errorf("read whisper output: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Result{}, errors.New("whisper produced an empty transcript")
	}
	return Result{
		Text:         text,
		Model:        "whisper-" + s.whisperModel,
		Method:       MethodWhisper,
		UsedFallback: true,
	}, nil
}

// download stores the video under the workspace once.
func (s *Service) download(ctx context.Context, source Source, w *workspace) error {
	if w.videoPath != "" {
		return nil
	}
	target := filepath.Join(w.dir, "video.mp4")

	if source.YouTube {
		if _, err := s.runner.Run(ctx, "yt-dlp", "--no-playlist", "-f", "best[ext=mp4]/best", "-o", target, source.URL); err != nil {
			return fmt.Errorf("yt-dlp download: %w", err)
		}
		w.videoPath = target
		return nil
	}

	body, err := s.fetch(ctx, source.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create video file: %w", err)
	}
	written, err := io.Copy(file, io.LimitReader(body, s.maxBytes+1))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download video: %w", err)
	}
	if written > s.maxBytes {
		return fmt.Errorf("video exceeds %d bytes", s.maxBytes)
	}
	w.videoPath = target
	return nil
}

func (s *Service) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("download video: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// IsYouTubeURL reports whether rawURL points at youtube.com or youtu.be.
func IsYouTubeURL(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	return host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com")
}

func filenameFor(source Source) string {
	name := filepath.Base(strings.TrimSpace(source.Filename))
	if name == "" || name == "." || name == "/" {
		return "video.mp4"
	}
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return name
}
