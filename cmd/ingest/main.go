// Command ingest loads reference books into the shared book-content corpus.
//
//	ingest -id puppy-handbook handbook.txt
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/suPer8Hu/pet-assistant/internal/app"
	"github.com/suPer8Hu/pet-assistant/internal/config"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
)

func main() {
	docID := flag.String("id", "", "document id (defaults to the file name without extension)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel)

	if flag.NArg() != 1 {
		logger.Fatal().Msg("usage: ingest [-id ID] FILE")
	}
	path := flag.Arg(0)
	text, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal().Err(err).Str("file", path).Msg("read document")
	}

	name := filepath.Base(path)
	id := *docID
	if id == "" {
		id = strings.TrimSuffix(name, filepath.Ext(name))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init app")
	}
	defer a.Close()

	n, err := a.Ingest.IngestShared(ctx, ingest.Document{ID: id, Filename: name, Text: string(text)})
	if err != nil {
		logger.Fatal().Err(err).Str("document_id", id).Msg("ingest failed")
	}
	logger.Info().Str("namespace", cfg.Namespaces.BookContent).Str("document_id", id).Int("chunks", n).Msg("done")
}
