package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

func testConfig(t *testing.T) *configs.Config {
	t.Helper()
	cfg := configs.Load()
	cfg.Redis.Backend = "memory"
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.json")
	cfg.GeoIP.CityDBPath = ""
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	output := fs.String("output", "", "")

	positional, err := parseInterleaved(fs, []string{"in.json", "-output", "out.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"in.json"}, positional)
	assert.Equal(t, "out.json", *output)
}

func TestRunBatch_Stdout(t *testing.T) {
	input := writeFile(t, "txs.json", `{"transactions": [
		{"transaction_id": "tx_1", "user_id": "u1", "amount": 50, "merchant_id": "m1"},
		{"transaction_id": "tx_2", "user_id": "u1", "amount": 15000, "merchant_id": "m1"},
		{"transaction_id": "tx_3", "user_id": "u2", "amount": -3, "merchant_id": "m1"}
	]}`)

	var out bytes.Buffer
	require.NoError(t, runBatch(context.Background(), testConfig(t), []string{input}, &out))

	var results []models.RiskScore
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 3)
	assert.Equal(t, "tx_1", results[0].TransactionID)
	assert.Contains(t, results[1].Flags, models.FlagHighAmount)
	assert.Equal(t, []string{models.FlagProcessingError}, results[2].Flags)
}

func TestRunBatch_JSONLinesToFile(t *testing.T) {
	input := writeFile(t, "txs.jsonl",
		`{"transaction_id": "tx_1", "user_id": "u1", "amount": 20, "merchant_id": "m1"}
{"transaction_id": "tx_2", "user_id": "u1", "amount": 30, "merchant_id": "m2"}
`)
	output := filepath.Join(t.TempDir(), "results.json")

	var out bytes.Buffer
	require.NoError(t, runBatch(context.Background(), testConfig(t), []string{input, "-output", output}, &out))
	assert.Contains(t, out.String(), "wrote 2 results")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var results []models.RiskScore
	require.NoError(t, json.Unmarshal(data, &results))
	assert.Len(t, results, 2)
}

func TestRunBatch_Usage(t *testing.T) {
	err := runBatch(context.Background(), testConfig(t), nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, errUsage)
}

func TestRunProfile_UnknownUser(t *testing.T) {
	err := runProfile(context.Background(), testConfig(t), []string{"nobody"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunSummary_NewUser(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSummary(context.Background(), testConfig(t), []string{"nobody"}, &out))

	var summary models.UserRiskSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, models.UserStatusNew, summary.Status)
}

func TestDecodeLabeled(t *testing.T) {
	txs, err := decodeLabeled(strings.NewReader(`
{"transaction_id": "tx_1", "user_id": "u1", "amount": 20, "merchant_id": "m1", "timestamp": "2024-03-04T10:00:00Z", "label": false}
{"transaction_id": "tx_2", "user_id": "u1", "amount": 20000, "merchant_id": "m1", "label": true}
`))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.NotNil(t, txs[0].Label)
	assert.False(t, *txs[0].Label)
	assert.Equal(t, 2024, txs[0].Timestamp.Year())
	assert.False(t, txs[1].Timestamp.IsZero())

	_, err = decodeLabeled(strings.NewReader(`[]`))
	assert.Error(t, err)
}

func TestRunBacktest(t *testing.T) {
	input := writeFile(t, "labeled.json", `[
		{"transaction_id": "tx_1", "user_id": "u1", "amount": 20, "merchant_id": "m1", "timestamp": "2024-03-04T10:00:00Z", "label": false},
		{"transaction_id": "tx_2", "user_id": "u1", "amount": 50000, "merchant_id": "m1", "timestamp": "2024-03-04T10:05:00Z", "label": true}
	]`)

	var out bytes.Buffer
	require.NoError(t, runBacktest(context.Background(), testConfig(t), []string{input}, &out))

	var result scoring.BacktestResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 2, result.TotalTransactions)
	assert.Equal(t, 2, result.ProcessedCount)
	require.NotNil(t, result.Confusion)
}

func TestRunExportModel(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "model.json")

	var out bytes.Buffer
	require.NoError(t, runExportModel(context.Background(), cfg, []string{"-output", path}, &out))
	assert.Contains(t, out.String(), path)

	forest, err := scoring.LoadIsolationForest(path)
	require.NoError(t, err)
	assert.Len(t, forest.Trees, 100)
}

func TestRunHashKey(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"

	var out bytes.Buffer
	require.NoError(t, runHashKey(context.Background(), nil, []string{key}, &out))

	hash := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out.String()), "hash:"))
	assert.True(t, auth.CheckAPIKey(key, hash))

	assert.Error(t, runHashKey(context.Background(), nil, []string{"short"}, &bytes.Buffer{}))
}
