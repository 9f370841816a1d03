package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/enrichment"
	"github.com/enterprise/fraud-engine/internal/ingestion"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/storage"
)

// parseInterleaved lets flags follow positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func newEngine(ctx context.Context, cfg *configs.Config) (*scoring.ScoringEngine, func(), error) {
	store, err := storage.Open(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	scorer, err := scoring.LoadAnomalyScorer(cfg.Model)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return scoring.NewScoringEngine(store, scorer, cfg.Rules, cfg.Model), func() { _ = store.Close() }, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBatch(ctx context.Context, cfg *configs.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	output := fs.String("output", "", "write results to this file instead of stdout")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return errUsage
	}
	if len(positional) != 1 {
		return errUsage
	}

	f, err := os.Open(positional[0])
	if err != nil {
		return err
	}
	defer f.Close()

	reqs, err := ingestion.DecodeTransactions(f)
	if err != nil {
		return err
	}

	engine, closeStore, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var enricher ingestion.Enricher
	if cfg.GeoIP.CityDBPath != "" {
		resolver, err := enrichment.OpenGeoIP(cfg.GeoIP.CityDBPath)
		if err != nil {
			log.Warn().Err(err).Msg("GeoIP enrichment disabled")
		} else {
			defer resolver.Close()
			enricher = resolver
		}
	}
	svc := ingestion.NewIngestionService(nil, enricher)

	txs := make([]*models.Transaction, len(reqs))
	for i := range reqs {
		txs[i] = svc.Prepare(&reqs[i])
	}
	results := engine.ProcessBatch(ctx, txs)

	log.Info().Int("transactions", len(results)).Msg("Batch scored")

	if *output == "" {
		return writeJSON(out, results)
	}
	dst, err := os.Create(*output)
	if err != nil {
		return err
	}
	if err := writeJSON(dst, results); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d results to %s\n", len(results), *output)
	return nil
}

func runProfile(ctx context.Context, cfg *configs.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	engine, closeStore, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	profile, err := engine.Store().GetUserProfile(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("user %s not found", args[0])
	}
	if err != nil {
		return err
	}
	return writeJSON(out, profile)
}

func runSummary(ctx context.Context, cfg *configs.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	engine, closeStore, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := engine.SummarizeUser(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(out, summary)
}

func runBacktest(ctx context.Context, cfg *configs.Config, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	txs, err := decodeLabeled(f)
	if err != nil {
		return err
	}

	scorer, err := scoring.LoadAnomalyScorer(cfg.Model)
	if err != nil {
		return err
	}
	result := scoring.NewBacktestService(scorer, cfg.Rules, cfg.Model).RunBacktest(ctx, txs)
	return writeJSON(out, result)
}

// decodeLabeled reads a JSON array or JSON lines of labeled transactions.
// Transactions without a timestamp get the current time.
func decodeLabeled(r io.Reader) ([]scoring.LabeledTransaction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var txs []scoring.LabeledTransaction
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &txs); err != nil {
			return nil, fmt.Errorf("invalid transaction array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for line := 1; scanner.Scan(); line++ {
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			var tx scoring.LabeledTransaction
			if err := json.Unmarshal(text, &tx); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			txs = append(txs, tx)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	if len(txs) == 0 {
		return nil, errors.New("no transactions in input")
	}
	now := time.Now().UTC()
	for i := range txs {
		if txs[i].Timestamp.IsZero() {
			txs[i].Timestamp = now
		}
	}
	return txs, nil
}

func runExportModel(_ context.Context, cfg *configs.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export-model", flag.ContinueOnError)
	output := fs.String("output", cfg.Model.Path, "model file to write")
	seed := fs.Int64("seed", cfg.Model.Seed, "random seed for the forest")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}

	forest, err := scoring.NewDefaultIsolationForest(*seed)
	if err != nil {
		return err
	}
	if err := forest.Save(*output); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote isolation forest (%d trees) to %s\n", len(forest.Trees), *output)
	return nil
}

func runHashKey(_ context.Context, _ *configs.Config, args []string, out io.Writer) error {
	if len(args) > 1 {
		return errUsage
	}

	key := ""
	if len(args) == 1 {
		key = args[0]
	} else {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Fprintf(out, "api key: %s\n", key)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "hash:    %s\n", hash)
	return nil
}

func runMigrate(ctx context.Context, cfg *configs.Config, args []string, _ io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	return repositories.Migrate(ctx, cfg.Database.URL, args[0], args[1:]...)
}
