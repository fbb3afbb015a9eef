package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"agent-ingest/internal/config"
	"agent-ingest/internal/models"
)

func noopJobContext() JobContext {
	return JobContext{
		Progress:        func(map[string]any) {},
		CancelRequested: func() bool { return false },
	}
}

func fakeDownloader(t *testing.T, payload string) commandRunner {
	t.Helper()
	return func(_ context.Context, name string, args ...string) error {
		if filepath.Base(name) != "yt-dlp" {
			t.Fatalf("unexpected command %q", name)
		}
		// The output template is the value after -o.
		var tmpl string
		for i, a := range args {
			if a == "-o" && i+1 < len(args) {
				tmpl = args[i+1]
			}
		}
		if tmpl == "" {
			t.Fatalf("missing -o template in %v", args)
		}
		out := filepath.Join(filepath.Dir(tmpl), "abc123.m4a")
		return os.WriteFile(out, []byte(payload), 0o644)
	}
}

func TestMediaHandlerWritesManifest(t *testing.T) {
	dataDir := t.TempDir()
	h := &MediaHandler{
		cfg: config.Config{DataDir: dataDir},
		run: fakeDownloader(t, "fake audio bytes"),
	}

	job := models.Job{ID: "job-1", SourceURL: "https://example.com/v1", Status: models.StatusRunning}
	result, err := h.Handle(context.Background(), job, noopJobContext())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	jobDir := filepath.Join(dataDir, "job-1")
	if result["job_dir"] != jobDir {
		t.Fatalf("unexpected job_dir: %v", result["job_dir"])
	}

	audio, err := os.ReadFile(filepath.Join(jobDir, "audio.m4a"))
	if err != nil {
		t.Fatalf("audio artifact: %v", err)
	}
	if string(audio) != "fake audio bytes" {
		t.Fatalf("audio content mangled")
	}

	raw, err := os.ReadFile(filepath.Join(jobDir, "manifest.json"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	var manifest map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest json: %v", err)
	}
	if manifest["url"] != "https://example.com/v1" {
		t.Fatalf("manifest url: %v", manifest["url"])
	}
	artifacts, ok := manifest["artifacts"].(map[string]any)
	if !ok {
		t.Fatalf("manifest artifacts: %v", manifest["artifacts"])
	}
	if artifacts["audio"] != filepath.Join(jobDir, "audio.m4a") {
		t.Fatalf("manifest audio path: %v", artifacts["audio"])
	}
	if artifacts["transcript"] != nil || artifacts["embeddings"] != nil {
		t.Fatalf("later stages must stay empty: %v", artifacts)
	}
}

func TestMediaHandlerReportsStages(t *testing.T) {
	h := &MediaHandler{
		cfg: config.Config{DataDir: t.TempDir()},
		run: fakeDownloader(t, "x"),
	}

	var stages []string
	jc := JobContext{
		Progress: func(p map[string]any) {
			if s, ok := p["stage"].(string); ok {
				stages = append(stages, s)
			}
		},
		CancelRequested: func() bool { return false },
	}

	job := models.Job{ID: "job-2", SourceURL: "https://example.com/v2"}
	if _, err := h.Handle(context.Background(), job, jc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(stages) != 2 || stages[0] != "download" || stages[1] != "manifest" {
		t.Fatalf("unexpected stages: %v", stages)
	}
}

func TestMediaHandlerDownloadFailure(t *testing.T) {
	h := &MediaHandler{
		cfg: config.Config{DataDir: t.TempDir()},
		run: func(context.Context, string, ...string) error {
			return errors.New("yt-dlp failed: video unavailable")
		},
	}

	job := models.Job{ID: "job-3", SourceURL: "https://example.com/v3"}
	if _, err := h.Handle(context.Background(), job, noopJobContext()); err == nil {
		t.Fatalf("expected download error")
	}
}

func TestMediaHandlerNoAudioProduced(t *testing.T) {
	h := &MediaHandler{
		cfg: config.Config{DataDir: t.TempDir()},
		// Runner succeeds but leaves no artifact behind.
		run: func(context.Context, string, ...string) error { return nil },
	}

	job := models.Job{ID: "job-4", SourceURL: "https://example.com/v4"}
	_, err := h.Handle(context.Background(), job, noopJobContext())
	if err == nil {
		t.Fatalf("expected error when no audio file appears")
	}
}

func TestMediaHandlerCancelCheckpoints(t *testing.T) {
	calls := 0
	jc := JobContext{
		Progress: func(map[string]any) {},
		// First checkpoint passes, the post-download one fires.
		CancelRequested: func() bool {
			calls++
			return calls > 1
		},
	}
	h := &MediaHandler{
		cfg: config.Config{DataDir: t.TempDir()},
		run: fakeDownloader(t, "x"),
	}

	job := models.Job{ID: "job-5", SourceURL: "https://example.com/v5"}
	_, err := h.Handle(context.Background(), job, jc)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

type fakeUploader struct {
	uploads map[string][]byte
}

func (f *fakeUploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = data
	return fmt.Sprintf("s3://artifacts/%s", key), nil
}

func TestMediaHandlerMirrorsToS3(t *testing.T) {
	up := &fakeUploader{}
	h := &MediaHandler{
		cfg: config.Config{DataDir: t.TempDir()},
		s3:  up,
		run: fakeDownloader(t, "fake audio bytes"),
	}

	job := models.Job{ID: "job-6", SourceURL: "https://example.com/v6"}
	result, err := h.Handle(context.Background(), job, noopJobContext())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	s3res, ok := result["s3"].(map[string]any)
	if !ok {
		t.Fatalf("missing s3 result: %v", result)
	}
	if s3res["audio"] != "s3://artifacts/job-6/audio.m4a" {
		t.Fatalf("audio uri: %v", s3res["audio"])
	}
	if s3res["manifest"] != "s3://artifacts/job-6/manifest.json" {
		t.Fatalf("manifest uri: %v", s3res["manifest"])
	}
	if string(up.uploads["job-6/audio.m4a"]) != "fake audio bytes" {
		t.Fatalf("uploaded audio mangled")
	}
}
