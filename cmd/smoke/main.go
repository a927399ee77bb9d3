// Command smoke runs the full pipeline once against a throwaway
// database: upload a document, wait for ingestion, ask a question in
// verified mode, and print the result. With no arguments it uses the
// deterministic fake provider, so it works offline; set AI_PROVIDER=real
// and the OPENAI_* variables to exercise a live endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brunobiangulo/grounded"
	"github.com/brunobiangulo/grounded/store"
)

func main() {
	docPath := flag.String("doc", "", "Document to ingest (default: a built-in sample)")
	sourceType := flag.String("type", "text", "Source type: pdf, text, url, xlsx")
	question := flag.String("q", "How tall is the Eiffel Tower?", "Question to ask")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(*docPath, *sourceType, *question); err != nil {
		fmt.Fprintf(os.Stderr, "smoke failed: %v\n", err)
		os.Exit(1)
	}
}

const sampleText = "The Eiffel Tower is 324 meters tall. It was completed in " +
	"1889 for the World's Fair in Paris. The tower was the tallest man-made " +
	"structure in the world for 41 years."

func run(docPath, sourceType, question string) error {
	tmpDir, err := os.MkdirTemp("", "grounded-smoke-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	cfg := grounded.DefaultConfig()
	cfg.DBPath = tmpDir + "/smoke.db"
	cfg.StorageRoot = tmpDir + "/storage"
	if os.Getenv("AI_PROVIDER") == "real" {
		cfg.Provider = "real"
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	} else {
		cfg.EmbedDim = 64
	}

	engine, err := grounded.New(cfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	req := grounded.CreateSourceRequest{Name: "smoke-sample", Type: sourceType}
	if docPath != "" {
		f, err := os.Open(docPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", docPath, err)
		}
		defer f.Close()
		req.Name = docPath
		req.Payload = f
	} else {
		req.Payload = strings.NewReader(sampleText)
	}

	fmt.Fprintf(os.Stderr, "\n=== UPLOADING %s ===\n", req.Name)
	src, err := engine.CreateSource(ctx, req)
	if err != nil {
		return fmt.Errorf("creating source: %w", err)
	}

	for {
		got, err := engine.GetSource(ctx, src.ID)
		if err != nil {
			return err
		}
		if got.Status == store.StatusReady {
			fmt.Fprintf(os.Stderr, "ingested source=%s chunks=%d\n", got.ID, got.ChunkCount)
			break
		}
		if got.Status == store.StatusFailed {
			return fmt.Errorf("ingestion failed: %s", got.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Fprintf(os.Stderr, "\n=== QUERYING: %s ===\n", question)
	result, err := engine.Query(ctx, question,
		grounded.WithVerification(), grounded.WithHighlights(), grounded.WithGrouping())
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\n=== ANSWER (%s) ===\n%s\n", result.Style, result.Answer)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}
