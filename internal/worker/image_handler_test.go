package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"training-orchestrator/internal/config"
	"training-orchestrator/internal/models"
)

func TestImageHandler_GenerateGrayscaleArtifact(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
	}

	handler, err := NewImageHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	job := models.Job{
		ID:   "job-1",
		Kind: "image.generate",
		Payload: map[string]any{
			"source_url": srv.URL,
			"grayscale":  true,
			"width":      float64(5),
			"output_key": "artifacts/test.png",
		},
	}

	var stages []string
	progress := func(detail map[string]any) bool {
		if s, ok := detail["stage"].(string); ok {
			stages = append(stages, s)
		}
		return false
	}

	if err := handler.Handle(context.Background(), job, progress); err != nil {
		t.Fatalf("handle image: %v", err)
	}

	outputPath := filepath.Join(tempDir, "artifacts", "test.png")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}

	if len(stages) != 2 || stages[0] != "downloaded" || stages[1] != "uploaded" {
		t.Fatalf("unexpected progress stages: %v", stages)
	}
}

func TestImageHandler_MissingSourceIsPermanent(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	job := models.Job{ID: "job-1", Kind: "image.generate", Payload: map[string]any{}}
	err = handler.Handle(context.Background(), job, func(map[string]any) bool { return false })
	if err == nil {
		t.Fatal("expected error for missing source_url")
	}
	if IsTransient(err) {
		t.Fatalf("payload validation failures must not be retried: %v", err)
	}
}

func TestImageHandler_UnreachableSourceIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	handler, err := NewImageHandler(context.Background(), config.Config{
		ImageOutputDir:       t.TempDir(),
		ImageDownloadTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	job := models.Job{ID: "job-1", Kind: "image.generate", Payload: map[string]any{"source_url": srv.URL}}
	err = handler.Handle(context.Background(), job, func(map[string]any) bool { return false })
	if !IsTransient(err) {
		t.Fatalf("expected transient error for unreachable source, got %v", err)
	}
}
