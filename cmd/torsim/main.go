// Package main provides the torsim executable: a discrete-event
// simulator that replays archived Tor consensus data against a
// PrivCount-derived client population and writes the resulting
// per-packet trace to a CSV (optionally Zstandard-compressed) file.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/torsim/pkg/adversary"
	"github.com/opd-ai/torsim/pkg/config"
	"github.com/opd-ai/torsim/pkg/directory"
	"github.com/opd-ai/torsim/pkg/logger"
	"github.com/opd-ai/torsim/pkg/prng"
	"github.com/opd-ai/torsim/pkg/simulation"
	"github.com/opd-ai/torsim/pkg/trace"
	"github.com/opd-ai/torsim/pkg/trafficmodel"
	"github.com/opd-ai/torsim/pkg/usermodel"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

const timeFlagLayout = "2006-01-02T15:04:05"

func main() {
	configFile := flag.String("config", "", "Path to configuration file (torrc-style)")
	torData := flag.String("tor-data", "", "Root of a CollecTor-layout consensus archive")
	from := flag.String("from", "", "Simulation start time, RFC3339 or "+timeFlagLayout)
	to := flag.String("to", "", "Simulation end time, RFC3339 or "+timeFlagLayout)
	streamModel := flag.String("stream-model", "", "Path to the stream traffic-model document")
	packetModel := flag.String("packet-model", "", "Path to the packet traffic-model document")
	outputTrace := flag.String("output-trace", "", "Path to write the output trace (.csv or .csv.zst); empty discards it")
	seed := flag.Uint64("seed", 0, "Global PRNG seed; 0 generates one and reports it")
	clients := flag.Uint64("clients", 0, "Client population size override; 0 derives it from the PrivCount formula")
	loadScale := flag.Float64("load-scale", 1.0, "Scales the derived client count and flow rate")
	advGuardsNum := flag.Uint64("adv-guards-num", 0, "Number of fabricated adversarial guard relays to inject")
	advGuardsBW := flag.Uint64("adv-guards-bw", 0, "Bandwidth weight for each adversarial guard relay")
	advExitsNum := flag.Uint64("adv-exits-num", 0, "Number of fabricated adversarial exit relays to inject")
	advExitsBW := flag.Uint64("adv-exits-bw", 0, "Bandwidth weight for each adversarial exit relay")
	maxWorkers := flag.Int("max-workers", 0, "Max clients processed concurrently per epoch; 0 uses GOMAXPROCS")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("torsim version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		cfg = config.DefaultConfig()
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	applyFlagOverrides(cfg, overrideSet{
		torData: torData, from: from, to: to,
		streamModel: streamModel, packetModel: packetModel, outputTrace: outputTrace,
		seed: seed, clients: clients, loadScale: loadScale,
		advGuardsNum: advGuardsNum, advGuardsBW: advGuardsBW,
		advExitsNum: advExitsNum, advExitsBW: advExitsBW,
		maxWorkers: maxWorkers, logLevel: logLevel,
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	if cfg.Seed == 0 {
		cfg.Seed = prng.RandomSeed()
		log.Info("no --seed given, generated one for this run", "seed", cfg.Seed)
	}

	log.Info("starting torsim", "version", version, "build_time", buildTime)

	if err := run(cfg, log); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}

	log.Info("run complete")
}

type overrideSet struct {
	torData, from, to, streamModel, packetModel, outputTrace, logLevel *string
	seed, clients, advGuardsNum, advGuardsBW, advExitsNum, advExitsBW  *uint64
	loadScale                                                         *float64
	maxWorkers                                                        *int
}

// applyFlagOverrides layers explicitly-set command-line flags over cfg,
// which may already carry values loaded from --config.
func applyFlagOverrides(cfg *config.Config, o overrideSet) {
	if *o.torData != "" {
		cfg.TorDataDir = *o.torData
	}
	if *o.from != "" {
		if t, err := parseFlagTime(*o.from); err == nil {
			cfg.From = t
		}
	}
	if *o.to != "" {
		if t, err := parseFlagTime(*o.to); err == nil {
			cfg.To = t
		}
	}
	if *o.streamModel != "" {
		cfg.StreamModelPath = *o.streamModel
	}
	if *o.packetModel != "" {
		cfg.PacketModelPath = *o.packetModel
	}
	if *o.outputTrace != "" {
		cfg.OutputTracePath = *o.outputTrace
	}
	if *o.seed != 0 {
		cfg.Seed = *o.seed
	}
	if *o.clients != 0 {
		cfg.NumClients = *o.clients
	}
	if *o.loadScale != 1.0 {
		cfg.LoadScale = *o.loadScale
	}
	if *o.advGuardsNum != 0 {
		cfg.AdvGuardsNum = *o.advGuardsNum
	}
	if *o.advGuardsBW != 0 {
		cfg.AdvGuardsBW = *o.advGuardsBW
	}
	if *o.advExitsNum != 0 {
		cfg.AdvExitsNum = *o.advExitsNum
	}
	if *o.advExitsBW != 0 {
		cfg.AdvExitsBW = *o.advExitsBW
	}
	if *o.maxWorkers != 0 {
		cfg.MaxWorkers = *o.maxWorkers
	}
	if *o.logLevel != "" {
		cfg.LogLevel = *o.logLevel
	}
}

func parseFlagTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(timeFlagLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// run loads the archive, traffic models, and adversary described by
// cfg, then drives a simulation.Engine over the selected consensuses.
func run(cfg *config.Config, log *logger.Logger) error {
	archive, err := directory.NewArchive(cfg.TorDataDir, log)
	if err != nil {
		return fmt.Errorf("opening tor data archive: %w", err)
	}

	fromMY := directory.MonthYear{Year: cfg.From.Year(), Month: int(cfg.From.Month())}
	toMY := directory.MonthYear{Year: cfg.To.Year(), Month: int(cfg.To.Month())}
	handles, err := archive.FindConsensuses(fromMY, toMY)
	if err != nil {
		return fmt.Errorf("finding consensuses: %w", err)
	}
	handles = filterConsensusRange(handles, cfg.From, cfg.To)
	log.Info("selected consensuses", "count", len(handles))

	streamDoc, err := trafficmodel.LoadDocument(cfg.StreamModelPath)
	if err != nil {
		return fmt.Errorf("loading stream model: %w", err)
	}
	packetDoc, err := trafficmodel.LoadDocument(cfg.PacketModelPath)
	if err != nil {
		return fmt.Errorf("loading packet model: %w", err)
	}

	numClients := cfg.NumClients
	if numClients == 0 {
		numClients = uint64(float64(usermodel.GetPrivcountUsers()) * cfg.LoadScale)
	}

	var adv *adversary.Adversary
	if cfg.AdvGuardsNum > 0 || cfg.AdvExitsNum > 0 {
		adv = adversary.New(adversary.Config{
			GuardCount:  cfg.AdvGuardsNum,
			GuardWeight: cfg.AdvGuardsBW,
			ExitCount:   cfg.AdvExitsNum,
			ExitWeight:  cfg.AdvExitsBW,
		})
	}

	engine := simulation.NewEngine(simulation.Config{
		NumClients:      numClients,
		FlowsEvery10Min: usermodel.FlowsEvery10Min(cfg.LoadScale),
		StreamModel:     streamDoc,
		PacketModel:     packetDoc,
		Adversary:       adv,
		Seed:            cfg.Seed,
		MaxWorkers:      cfg.MaxWorkers,
	}, log, nil)

	sink, err := outputSink(cfg.OutputTracePath)
	if err != nil {
		return err
	}

	log.Info("running simulation", "clients", numClients, "epochs", len(handles))
	if err := engine.Run(handles, cfg.To, sink); err != nil {
		return fmt.Errorf("running simulation: %w", err)
	}

	snap := engine.Metrics().Snapshot()
	log.Info("simulation summary",
		"epochs_processed", snap.EpochsProcessed,
		"trace_rows_written", snap.TraceRowsWritten,
		"streams_started", snap.StreamsStarted,
		"packets_emitted", snap.PacketsEmitted,
	)
	return nil
}

// filterConsensusRange keeps only handles whose time lies in [from, to).
func filterConsensusRange(handles []directory.ConsensusHandle, from, to time.Time) []directory.ConsensusHandle {
	out := handles[:0]
	for _, h := range handles {
		if !h.Time.Before(from) && h.Time.Before(to) {
			out = append(out, h)
		}
	}
	return out
}

func outputSink(path string) (trace.Sink, error) {
	if path == "" {
		return trace.NoopSink{}, nil
	}
	return trace.NewFileSink(path)
}
