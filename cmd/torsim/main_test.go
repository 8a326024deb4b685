package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/torsim/pkg/config"
	"github.com/opd-ai/torsim/pkg/directory"
	"github.com/opd-ai/torsim/pkg/logger"
)

const testStreamModelJSON = `{
  "directed": true, "multigraph": true, "graph": {},
  "nodes": [
    {"id": "start"},
    {"type": "state", "id": "s0"},
    {"type": "observation", "id": "$"},
    {"type": "observation", "id": "F"}
  ],
  "links": [
    {"type": "transition", "source": "start", "target": "s0", "weight": 1.0},
    {"type": "transition", "source": "s0", "target": "s0", "weight": 1.0},
    {"type": "emission", "source": "s0", "target": "$", "weight": 1.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0},
    {"type": "emission", "source": "s0", "target": "F", "weight": 0.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0}
  ]
}`

const testPacketModelJSON = `{
  "directed": true, "multigraph": true, "graph": {},
  "nodes": [
    {"id": "start"},
    {"type": "state", "id": "p0"},
    {"type": "observation", "id": "-"},
    {"type": "observation", "id": "F"}
  ],
  "links": [
    {"type": "transition", "source": "start", "target": "p0", "weight": 1.0},
    {"type": "transition", "source": "p0", "target": "p0", "weight": 1.0},
    {"type": "emission", "source": "p0", "target": "-", "weight": 1.0,
     "exp_lambda": 1000.0, "lognorm_mu": 0, "lognorm_sigma": 0},
    {"type": "emission", "source": "p0", "target": "F", "weight": 0.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0}
  ]
}`

func TestApplyFlagOverridesLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TorDataDir = "/from/config/file"

	torData, from, to, streamModel, packetModel, outputTrace, logLevel := "", "", "", "", "", "", ""
	var seed, clients, advGuardsNum, advGuardsBW, advExitsNum, advExitsBW uint64
	loadScale := 1.0
	maxWorkers := 0

	applyFlagOverrides(cfg, overrideSet{
		torData: &torData, from: &from, to: &to,
		streamModel: &streamModel, packetModel: &packetModel, outputTrace: &outputTrace,
		seed: &seed, clients: &clients, loadScale: &loadScale,
		advGuardsNum: &advGuardsNum, advGuardsBW: &advGuardsBW,
		advExitsNum: &advExitsNum, advExitsBW: &advExitsBW,
		maxWorkers: &maxWorkers, logLevel: &logLevel,
	})

	if cfg.TorDataDir != "/from/config/file" {
		t.Errorf("expected config-file value to survive unset flags, got %q", cfg.TorDataDir)
	}
}

func TestApplyFlagOverridesOverridesConfigFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TorDataDir = "/from/config/file"

	torData := "/from/flag"
	from, to, streamModel, packetModel, outputTrace, logLevel := "", "", "", "", "", ""
	var seed, clients, advGuardsNum, advGuardsBW, advExitsNum, advExitsBW uint64
	loadScale := 1.0
	maxWorkers := 0

	applyFlagOverrides(cfg, overrideSet{
		torData: &torData, from: &from, to: &to,
		streamModel: &streamModel, packetModel: &packetModel, outputTrace: &outputTrace,
		seed: &seed, clients: &clients, loadScale: &loadScale,
		advGuardsNum: &advGuardsNum, advGuardsBW: &advGuardsBW,
		advExitsNum: &advExitsNum, advExitsBW: &advExitsBW,
		maxWorkers: &maxWorkers, logLevel: &logLevel,
	})

	if cfg.TorDataDir != "/from/flag" {
		t.Errorf("expected --tor-data to override the config file, got %q", cfg.TorDataDir)
	}
}

func TestParseFlagTimeAcceptsBothLayouts(t *testing.T) {
	if _, err := parseFlagTime("2020-01-01T00:00:00Z"); err != nil {
		t.Errorf("expected RFC3339 to parse, got %v", err)
	}
	if _, err := parseFlagTime("2020-01-01T00:00:00"); err != nil {
		t.Errorf("expected the local-style layout to parse, got %v", err)
	}
	if _, err := parseFlagTime("not-a-time"); err == nil {
		t.Error("expected an error for a malformed time")
	}
}

func TestFilterConsensusRangeKeepsOnlyInRangeHandles(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	from := base
	to := base.Add(2 * time.Hour)

	in := []directory.ConsensusHandle{
		{Time: base.Add(-time.Hour)},
		{Time: base},
		{Time: base.Add(time.Hour)},
		{Time: base.Add(3 * time.Hour)},
	}
	out := filterConsensusRange(in, from, to)
	if len(out) != 2 {
		t.Fatalf("expected 2 handles in range, got %d", len(out))
	}
	if !out[0].Time.Equal(base) || !out[1].Time.Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected handles kept: %+v", out)
	}
}

func writeFixtureArchive(t *testing.T, dir string, start time.Time) {
	t.Helper()
	for _, validAfter := range []time.Time{start, start.Add(time.Hour)} {
		consDir := filepath.Join(dir, fmt.Sprintf("consensuses-%04d-%02d", validAfter.Year(), validAfter.Month()))
		subDir := filepath.Join(consDir, fmt.Sprintf("%02d", validAfter.Day()))
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			t.Fatalf("creating archive directory: %v", err)
		}

		name := validAfter.Format("2006-01-02-15-04-05") + "-consensus"
		var sb strings.Builder
		sb.WriteString("valid-after " + validAfter.UTC().Format("2006-01-02 15:04:05") + "\n")
		for i, role := range []string{"guard", "middle", "exit"} {
			fp := role[:1] + fmt.Sprint(i)
			sb.WriteString(fmt.Sprintf("r relay-%s %sID %sDESC 2020-01-01 00:00:00 10.0.0.%d 9001 0\n", fp, fp, fp, i+1))
			switch role {
			case "guard":
				sb.WriteString("s Fast Guard Running Stable Valid\n")
			case "middle":
				sb.WriteString("s Fast Running Stable Valid\n")
			case "exit":
				sb.WriteString("s Exit Fast Running Stable Valid\n")
			}
			sb.WriteString("w Bandwidth=1000\n")
			sb.WriteString("p accept 1-65535\n")
		}

		if err := os.WriteFile(filepath.Join(subDir, name), []byte(sb.String()), 0o644); err != nil {
			t.Fatalf("writing fixture consensus: %v", err)
		}
	}
}

func TestRunEndToEndWithFixtureArchive(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFixtureArchive(t, dir, start)

	streamPath := filepath.Join(dir, "stream.json")
	packetPath := filepath.Join(dir, "packet.json")
	if err := os.WriteFile(streamPath, []byte(testStreamModelJSON), 0o644); err != nil {
		t.Fatalf("writing stream model: %v", err)
	}
	if err := os.WriteFile(packetPath, []byte(testPacketModelJSON), 0o644); err != nil {
		t.Fatalf("writing packet model: %v", err)
	}

	outputPath := filepath.Join(dir, "trace.csv")
	cfg := config.DefaultConfig()
	cfg.TorDataDir = dir
	cfg.From = start
	cfg.To = start.Add(2 * time.Hour)
	cfg.StreamModelPath = streamPath
	cfg.PacketModelPath = packetPath
	cfg.OutputTracePath = outputPath
	cfg.NumClients = 2
	cfg.Seed = 7
	cfg.MaxWorkers = 2

	if err := run(cfg, logger.NewDefault()); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("reading output trace: %v", err)
	}
	if !strings.Contains(string(data), "m_id,source_id") {
		t.Error("expected output trace to contain the CSV header")
	}
}
