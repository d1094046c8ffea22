// Command mcperf drives memcached load tests: a single-process or
// distributed master/agent run, optionally wrapped in a binary-search or
// scan meta-driver, per spec.md §6's external interfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sevlyar/go-daemon"
	"go.uber.org/zap"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/coordinate"
	"github.com/memcached/mcperf-go/internal/cpustat"
	"github.com/memcached/mcperf-go/internal/keyval"
	"github.com/memcached/mcperf-go/internal/loadgen"
	"github.com/memcached/mcperf-go/internal/logging"
	"github.com/memcached/mcperf-go/internal/metadrive"
	"github.com/memcached/mcperf-go/internal/report"
	"github.com/memcached/mcperf-go/internal/sampler"
)

func main() {
	// Captured once, as early as possible, mirroring mcperf.cc's own
	// boot_time (mcperf.cc:625): every --save sample's start time is
	// reported relative to this instant rather than as an absolute
	// timestamp.
	bootTime := time.Now()

	opts := config.Default()

	if cfgPath := scanConfigFlag(os.Args[1:]); cfgPath != "" {
		if err := config.LoadOverlay(cfgPath, opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	fs := flag.NewFlagSet("mcperf", flag.ExitOnError)
	config.BindFlags(fs, opts)

	if opts.Daemonize {
		if !opts.AgentMode {
			fmt.Fprintln(os.Stderr, "--daemonize requires --agentmode")
			os.Exit(1)
		}
		dctx := &daemon.Context{
			LogFileName: "mcperf-agent.log",
			LogFilePerm: 0644,
			WorkDir:     "./",
			Umask:       027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			fmt.Fprintln(os.Stderr, "daemonize:", err)
			os.Exit(1)
		}
		if child != nil {
			return
		}
		defer dctx.Release()
	}

	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(opts.VerboseCount, opts.Quiet)
	defer log.Sync()

	if opts.AgentMode {
		runAgent(opts, log)
		return
	}

	ctx := context.Background()
	runner := func(o *config.Options) (*sampler.ConnectionStats, error) {
		stats, _, err := runOnce(ctx, o, log)
		return stats, err
	}

	switch {
	case opts.Search != "":
		result, err := metadrive.Search(opts, opts.Search, runner)
		if err != nil {
			log.Fatal("search failed", zap.Error(err))
		}
		printSearchResult(result)
	case opts.Scan != "":
		rows, err := metadrive.Scan(opts, opts.Scan, runner)
		if err != nil {
			log.Fatal("scan failed", zap.Error(err))
		}
		printScanRows(rows)
	default:
		stats, cpu, err := runOnce(ctx, opts, log)
		if err != nil {
			log.Fatal("run failed", zap.Error(err))
		}
		if stats == nil {
			return // --loadonly
		}
		report.Print(os.Stdout, stats, cpu)
		if opts.SavePath != "" {
			if err := report.Save(opts.SavePath, stats, bootTime); err != nil {
				log.Fatal("save failed", zap.Error(err))
			}
		}
	}
}

// scanConfigFlag looks up --config/-config directly in argv, ahead of the
// full flag.FlagSet parse, so the YAML overlay it names can be applied
// before BindFlags captures opts' current field values as flag defaults
// (internal/config.LoadOverlay's doc comment: "applied before flags so
// that flags still win").
func scanConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

// runOnce executes exactly one setup/warmup/measurement cycle at opts'
// current QPS, coordinating with --agent hosts if any are configured, and
// returns the merged stats plus CPU utilization if --cpustats was set.
func runOnce(ctx context.Context, opts *config.Options, log *logging.Logger) (*sampler.ConnectionStats, *cpustat.Stats, error) {
	entries := keyval.GenerateEntries(
		opts.Records, opts.KeyPrefix,
		keyval.SizeSpec{Min: opts.KeySizeMin, Max: opts.KeySizeMax},
		keyval.SizeSpec{Min: opts.ValueSizeMin, Max: opts.ValueSizeMax},
		opts.RngSeed,
	)

	var cpuSampler *cpustat.Sampler
	if opts.CPUStats {
		s, err := cpustat.Start()
		if err != nil {
			log.W("cpu sampler unavailable", zap.Error(err))
		} else {
			cpuSampler = s
		}
	}

	var master *coordinate.Master
	runOpts := opts
	if len(opts.Agents) > 0 {
		m, err := coordinate.NewMaster(coordinate.DefaultConfig(), opts.Agents, opts.AgentPort, log)
		if err != nil {
			return nil, nil, err
		}
		master = m
		denom, err := master.Prepare(opts)
		if err != nil {
			master.Close()
			return nil, nil, err
		}
		runOpts = opts.Clone()
		runOpts.LambdaDenom = denom
		// The master's own connections are never scaled by the broadcast
		// lambda_mul -- see internal/coordinate.Master.Prepare's doc
		// comment for why.
		runOpts.LambdaMul = 1
		if master.HasMasterLambda {
			// --measure_qps: the master runs its own independent lambda
			// rather than a share of lambda_denom, mcperf.cc's
			// master_lambda (mcperf.cc:388).
			runOpts.Lambda = master.MasterLambda
		} else {
			runOpts.RecomputeLambda()
		}
		if opts.MeasureDepth > 0 {
			// --measure_depth only overrides the master's own local depth
			// during the measurement phase, mcperf.cc:397; agents keep the
			// depth already broadcast to them in PREPARATION.
			runOpts.Depth = opts.MeasureDepth
		}
	} else {
		runOpts.ComputeLambdaDenom()
	}
	if opts.MeasureConnections > 0 {
		// --measure_connections overrides how many sockets this local
		// process opens per server, independent of agent presence,
		// mirroring mcperf.cc's do_mcperf(): "conns = ...measure_connections_arg
		// ... : options.connections" (mcperf.cc:1055).
		if runOpts == opts {
			runOpts = opts.Clone()
		}
		runOpts.Connections = opts.MeasureConnections
	}

	driver := loadgen.NewDriver(runOpts, log)
	if err := driver.Build(entries); err != nil {
		if master != nil {
			master.Close()
		}
		return nil, nil, err
	}

	var syncAgents func() error
	if master != nil {
		syncAgents = master.SyncAgents
	}

	stats, err := driver.Run(ctx, syncAgents)
	if err != nil {
		if master != nil {
			master.Close()
		}
		return nil, nil, err
	}

	if master != nil {
		if stats != nil {
			master.CollectStats().MergeInto(stats)
		}
		if master.SyncErrors > 0 {
			log.W("barrier synchronization errors observed", zap.Int("count", master.SyncErrors))
		}
		master.Close()
	}

	var cpu *cpustat.Stats
	if cpuSampler != nil {
		s := cpuSampler.Stop()
		cpu = &s
	}
	return stats, cpu, nil
}

// runAgent accepts master connections on --agent_port and runs one full
// PREPARATION/MEASUREMENT/FINISH cycle per connection, spec.md §4.4: a
// fresh connection arrives for every run the master's search/scan
// meta-driver issues.
func runAgent(opts *config.Options, log *logging.Logger) {
	addr := fmt.Sprintf(":%d", opts.AgentPort)
	ln, err := coordinate.Listen(addr, opts, log)
	if err != nil {
		log.Fatal("agent listen failed", zap.Error(err))
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.W("agent accept failed", zap.Error(err))
			continue
		}
		go handleAgentSession(conn, log)
	}
}

func handleAgentSession(conn net.Conn, log *logging.Logger) {
	sess := coordinate.NewSession(conn, coordinate.DefaultConfig(), log)
	defer sess.Close()

	agentOpts, err := sess.Prepare()
	if err != nil {
		log.W("agent prepare failed", zap.Error(err))
		return
	}

	entries := keyval.GenerateEntries(
		agentOpts.Records, agentOpts.KeyPrefix,
		keyval.SizeSpec{Min: agentOpts.KeySizeMin, Max: agentOpts.KeySizeMax},
		keyval.SizeSpec{Min: agentOpts.ValueSizeMin, Max: agentOpts.ValueSizeMax},
		agentOpts.RngSeed,
	)

	driver := loadgen.NewDriver(agentOpts, log)
	if err := driver.Build(entries); err != nil {
		log.W("agent build failed", zap.Error(err))
		return
	}

	stats, err := driver.Run(context.Background(), sess.HandleBarrier)
	if err != nil {
		log.W("agent run failed", zap.Error(err))
		return
	}
	if stats == nil {
		stats = sampler.NewConnectionStats()
	}
	if err := sess.SendStats(coordinate.FromConnectionStats(stats)); err != nil {
		log.W("agent send stats failed", zap.Error(err))
	}
}

func printSearchResult(r metadrive.Result) {
	fmt.Printf("peak QPS = %.1f\n", r.PeakQPS)
	fmt.Printf("result QPS = %.1f\n", r.CurQPS)
	if r.Degenerate {
		fmt.Println("degenerate: search exited on a floor without meeting the target latency")
	}
	report.Print(os.Stdout, r.Stats, nil)
}

func printScanRows(rows []metadrive.ScanRow) {
	fmt.Println("target_qps\tachieved_qps")
	for _, row := range rows {
		fmt.Printf("%d\t%.1f\n", row.TargetQPS, row.AchievedQPS)
	}
}
