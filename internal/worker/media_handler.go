package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"agent-ingest/internal/config"
	"agent-ingest/internal/models"
)

// commandRunner executes one external command; injectable for tests.
type commandRunner func(ctx context.Context, name string, args ...string) error

// MediaHandler runs the ingest pipeline for one job: download the audio of
// the source reference with yt-dlp into a per-job directory, write the
// artifact manifest, and optionally mirror the artifacts to S3. Transcription
// and embeddings are later stages and stay empty in the manifest.
type MediaHandler struct {
	cfg config.Config
	s3  artifactUploader
	run commandRunner
}

// NewMediaHandler constructs the handler, wiring the S3 uploader when a
// bucket is configured.
func NewMediaHandler(ctx context.Context, cfg config.Config) (*MediaHandler, error) {
	h := &MediaHandler{cfg: cfg, run: runCommand}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}
	return h, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w\n%s", name, err, out)
	}
	return nil
}

// Handle executes the pipeline. Cancellation is checked between stages; an
// honored request surfaces as ErrCancelled.
func (h *MediaHandler) Handle(ctx context.Context, job models.Job, jc JobContext) (map[string]any, error) {
	if jc.CancelRequested() {
		return nil, ErrCancelled
	}

	jobDir := filepath.Join(h.cfg.DataDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	jc.Progress(map[string]any{"stage": "download"})
	audioPath, err := h.downloadAudio(ctx, jobDir, job.SourceURL)
	if err != nil {
		return nil, err
	}

	if jc.CancelRequested() {
		return nil, ErrCancelled
	}

	jc.Progress(map[string]any{"stage": "manifest"})
	manifest := map[string]any{
		"url":        job.SourceURL,
		"created_at": time.Now().UTC().Format("20060102T150405Z"),
		"artifacts": map[string]any{
			"audio":      audioPath,
			"transcript": nil,
			"embeddings": nil,
		},
		"notes": "Process only owned/licensed/CC content.",
	}
	manifestPath := filepath.Join(jobDir, "manifest.json")
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	result := map[string]any{
		"job_dir":  jobDir,
		"manifest": manifest,
	}

	if h.s3 != nil {
		if jc.CancelRequested() {
			return nil, ErrCancelled
		}
		jc.Progress(map[string]any{"stage": "upload"})
		audioData, err := os.ReadFile(audioPath)
		if err != nil {
			return nil, fmt.Errorf("read audio artifact: %w", err)
		}
		audioURI, err := h.s3.Upload(ctx, job.ID+"/audio.m4a", audioData, "audio/mp4")
		if err != nil {
			return nil, fmt.Errorf("upload audio: %w", err)
		}
		manifestURI, err := h.s3.Upload(ctx, job.ID+"/manifest.json", manifestJSON, "application/json")
		if err != nil {
			return nil, fmt.Errorf("upload manifest: %w", err)
		}
		result["s3"] = map[string]any{"audio": audioURI, "manifest": manifestURI}
	}

	return result, nil
}

// downloadAudio fetches the best audio track into jobDir and normalizes its
// name. yt-dlp needs ffmpeg in PATH for the extraction step.
func (h *MediaHandler) downloadAudio(ctx context.Context, jobDir, sourceURL string) (string, error) {
	timeout := h.cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	dlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ytdlp := h.cfg.YTDLPPath
	if ytdlp == "" {
		ytdlp = "yt-dlp"
	}
	err := h.run(dlCtx, ytdlp,
		"-f", "bestaudio",
		"--extract-audio",
		"--audio-format", "m4a",
		"-o", filepath.Join(jobDir, "%(id)s.%(ext)s"),
		sourceURL,
	)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}

	candidates, _ := filepath.Glob(filepath.Join(jobDir, "*.m4a"))
	if mp3s, _ := filepath.Glob(filepath.Join(jobDir, "*.mp3")); len(mp3s) > 0 {
		candidates = append(candidates, mp3s...)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no audio file downloaded; check rights and that ffmpeg is installed")
	}

	audioPath := filepath.Join(jobDir, "audio.m4a")
	if candidates[0] != audioPath {
		if err := os.Rename(candidates[0], audioPath); err != nil {
			return "", fmt.Errorf("move audio artifact: %w", err)
		}
	}
	return audioPath, nil
}
