// Package config holds the Options value spec.md §3 defines, plus the
// ambient config-layer additions: standard-library flag wiring (matching
// the teacher's own CLI idiom in cmd/ratectrl/main.go) and an optional
// YAML overlay file.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/memcached/mcperf-go/internal/iadist"
)

// Options is the immutable-per-run configuration spec.md §3 describes,
// broadcast across processes by internal/coordinate.
type Options struct {
	QPS           int     `yaml:"qps"`
	Connections   int     `yaml:"connections"`
	Threads       int     `yaml:"threads"`
	Servers       []string `yaml:"servers"`
	LambdaMul     float64 `yaml:"lambda_mul"`
	LambdaDenom   int     `yaml:"-"`
	Lambda        float64 `yaml:"-"`
	Depth         int     `yaml:"depth"`
	Update        float64 `yaml:"update"`
	Time          int     `yaml:"time"`
	Warmup        int     `yaml:"warmup"`
	Wait          int     `yaml:"wait"`
	IADist        iadist.Tag `yaml:"iadist"`
	KeySizeMin    int     `yaml:"keysize_min"`
	KeySizeMax    int     `yaml:"keysize_max"`
	ValueSizeMin  int     `yaml:"valuesize_min"`
	ValueSizeMax  int     `yaml:"valuesize_max"`
	Records       int     `yaml:"records"`
	KeyPrefix     string  `yaml:"key_prefix"`

	Binary     bool `yaml:"binary"`
	SASL       bool `yaml:"sasl"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	NoNodelay  bool `yaml:"no_nodelay"`
	Blocking   bool `yaml:"blocking"`
	RoundRobin bool `yaml:"roundrobin"`
	LoadOnly   bool `yaml:"loadonly"`
	NoLoad     bool `yaml:"noload"`
	Moderate   bool `yaml:"moderate"`
	Skip       bool `yaml:"skip"`
	OOBThread  bool `yaml:"oob_thread"`

	GetqFreq float64 `yaml:"getq_freq"`
	GetqSize int     `yaml:"getq_size"`

	Affinity bool `yaml:"affinity"`
	RngSeed  int64 `yaml:"rng_seed"`

	// Agent/master coordination.
	Agents             []string `yaml:"agents"`
	AgentPort          int      `yaml:"agent_port"`
	AgentMode          bool     `yaml:"agentmode"`
	Daemonize          bool     `yaml:"daemonize"`
	MeasureConnections int      `yaml:"measure_connections"`
	MeasureQPS         int      `yaml:"measure_qps"`
	MeasureDepth       int      `yaml:"measure_depth"`

	// Meta-drivers.
	Search string `yaml:"search"`
	Scan   string `yaml:"scan"`

	SavePath string `yaml:"save"`
	CPUStats bool   `yaml:"cpustats"`

	VerboseCount int  `yaml:"-"`
	Quiet        bool `yaml:"-"`
}

// Default returns the flag-default Options, mirroring mcperf.cc's
// args_to_options defaults and the teacher's cmd/ratectrl flag defaults.
func Default() *Options {
	return &Options{
		QPS:          0,
		Connections:  1,
		Threads:      1,
		LambdaMul:    1.0,
		Depth:        1,
		Update:       0.0,
		Time:         10,
		Warmup:       0,
		IADist:       iadist.Exponential,
		KeySizeMin:   16,
		KeySizeMax:   16,
		ValueSizeMin: 1024,
		ValueSizeMax: 1024,
		Records:      10000,
		KeyPrefix:    "mcperf:",
		AgentPort:    11400,
		RngSeed:      time.Now().UnixNano(),
		CPUStats:     true,
	}
}

// LoadOverlay reads a YAML file supplying Options defaults, applied
// before flags so that flags still win (ambient config-layer addition,
// grounded on TysonAndre-golemproxy's gopkg.in/yaml.v2 usage).
func LoadOverlay(path string, into *Options) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// multiFlag accumulates repeatable flags like --server and --agent into a
// []string, the idiomatic stdlib-flag way to support repeatable options.
type multiFlag struct{ values *[]string }

func (m *multiFlag) String() string {
	if m.values == nil {
		return ""
	}
	return fmt.Sprintf("%v", *m.values)
}

func (m *multiFlag) Set(v string) error {
	*m.values = append(*m.values, v)
	return nil
}

// BindFlags registers the CLI surface spec.md §6 and SPEC_FULL.md §6
// describe onto fs, defaulting from opts and writing back into opts on
// Parse. The --iadist flag is parsed into a local string and copied into
// opts.IADist after Parse, since flag.FlagSet cannot bind a Tag field
// directly. It returns the parsed value of --config.
func BindFlags(fs *flag.FlagSet, opts *Options) (configPath *string) {
	fs.IntVar(&opts.QPS, "qps", opts.QPS, "target aggregate QPS (0 = open-loop, bounded by pipeline)")
	fs.IntVar(&opts.Connections, "connections", opts.Connections, "connections per server per thread")
	fs.IntVar(&opts.Threads, "threads", opts.Threads, "worker threads")
	fs.Var(&multiFlag{&opts.Servers}, "server", "target host[:port] (repeatable)")
	fs.Float64Var(&opts.LambdaMul, "lambda_mul", opts.LambdaMul, "per-process weight multiplier")
	fs.IntVar(&opts.Depth, "depth", opts.Depth, "pipeline depth")
	fs.Float64Var(&opts.Update, "update", opts.Update, "fraction of ops that are SET instead of GET")
	fs.IntVar(&opts.Time, "time", opts.Time, "measurement window, seconds")
	fs.IntVar(&opts.Warmup, "warmup", opts.Warmup, "warmup window, seconds")
	fs.IntVar(&opts.Wait, "wait", opts.Wait, "seconds after boot to begin measurement")
	iaStr := fs.String("iadist", string(opts.IADist), "inter-arrival distribution: exp|uniform|fixed")
	fs.IntVar(&opts.KeySizeMin, "keysize_min", opts.KeySizeMin, "minimum generated key size")
	fs.IntVar(&opts.KeySizeMax, "keysize_max", opts.KeySizeMax, "maximum generated key size")
	fs.IntVar(&opts.ValueSizeMin, "valuesize_min", opts.ValueSizeMin, "minimum generated value size")
	fs.IntVar(&opts.ValueSizeMax, "valuesize_max", opts.ValueSizeMax, "maximum generated value size")
	fs.IntVar(&opts.Records, "records", opts.Records, "records to load per server")
	fs.StringVar(&opts.KeyPrefix, "key_prefix", opts.KeyPrefix, "prefix applied to generated keys")

	fs.BoolVar(&opts.Binary, "binary", opts.Binary, "use the binary protocol")
	fs.BoolVar(&opts.SASL, "sasl", opts.SASL, "authenticate via SASL")
	fs.StringVar(&opts.Username, "username", opts.Username, "SASL username")
	fs.StringVar(&opts.Password, "password", opts.Password, "SASL password")
	fs.BoolVar(&opts.NoNodelay, "no_nodelay", opts.NoNodelay, "disable TCP_NODELAY")
	fs.BoolVar(&opts.Blocking, "blocking", opts.Blocking, "use a blocking poll loop")
	fs.BoolVar(&opts.RoundRobin, "roundrobin", opts.RoundRobin, "round-robin connections across servers")
	fs.BoolVar(&opts.LoadOnly, "loadonly", opts.LoadOnly, "load the keyspace then exit")
	fs.BoolVar(&opts.NoLoad, "noload", opts.NoLoad, "skip the load phase")
	fs.BoolVar(&opts.Moderate, "moderate", opts.Moderate, "moderate poll cadence to reduce CPU burn")
	fs.BoolVar(&opts.Skip, "skip", opts.Skip, "drop (rather than backlog) missed issue deadlines")
	fs.BoolVar(&opts.OOBThread, "oob_thread", opts.OOBThread, "run out-of-band commands on a side connection")

	fs.Float64Var(&opts.GetqFreq, "getq_freq", opts.GetqFreq, "probability a GET becomes a quiet multi-get batch")
	fs.IntVar(&opts.GetqSize, "getq_size", opts.GetqSize, "quiet GETs per multi-get batch")

	fs.BoolVar(&opts.Affinity, "affinity", opts.Affinity, "pin worker threads to CPUs")
	fs.Int64Var(&opts.RngSeed, "rngseed", opts.RngSeed, "RNG seed")

	fs.Var(&multiFlag{&opts.Agents}, "agent", "agent host (repeatable)")
	fs.IntVar(&opts.AgentPort, "agent_port", opts.AgentPort, "agent control port")
	fs.BoolVar(&opts.AgentMode, "agentmode", opts.AgentMode, "run as an agent instead of the master")
	fs.BoolVar(&opts.Daemonize, "daemonize", opts.Daemonize, "detach into the background (with --agentmode)")
	fs.IntVar(&opts.MeasureConnections, "measure_connections", opts.MeasureConnections, "override connections during the measurement phase only")
	fs.IntVar(&opts.MeasureQPS, "measure_qps", opts.MeasureQPS, "QPS handled by the master itself when agents are present")
	fs.IntVar(&opts.MeasureDepth, "measure_depth", opts.MeasureDepth, "override depth during the measurement phase only")

	fs.StringVar(&opts.Search, "search", opts.Search, "N:Xus binary-search for max QPS meeting a latency SLO")
	fs.StringVar(&opts.Scan, "scan", opts.Scan, "min:max:step QPS values to enumerate")

	fs.StringVar(&opts.SavePath, "save", opts.SavePath, "dump retained GET latency samples to PATH")
	fs.BoolVar(&opts.CPUStats, "cpustats", opts.CPUStats, "sample process CPU usage during the run")

	configPath = fs.String("config", "", "optional YAML file of Options defaults")

	fs.BoolVar(&opts.Quiet, "quiet", opts.Quiet, "suppress all but warnings")
	fs.Func("verbose", "increase log verbosity (stackable: repeat the flag)", func(string) error {
		opts.VerboseCount++
		return nil
	})

	fs.Parse(os.Args[1:]) //nolint:errcheck // fs.Parse already reports usage on error

	opts.IADist = iadist.Tag(*iaStr)
	return configPath
}

// Validate applies the fail-fast configuration checks spec.md §7 and
// mcperf.cc's main() require before any network activity begins.
func (o *Options) Validate() error {
	if o.Depth < 1 {
		return fmt.Errorf("--depth must be >= 1")
	}
	if o.QPS < 0 {
		return fmt.Errorf("--qps must be >= 0")
	}
	if o.Update < 0.0 || o.Update > 1.0 {
		return fmt.Errorf("--update must be >= 0.0 and <= 1.0")
	}
	if o.Time < 1 {
		return fmt.Errorf("--time must be >= 1")
	}
	if o.Connections < 1 {
		return fmt.Errorf("--connections must be >= 1")
	}
	if len(o.Servers) == 0 && !o.AgentMode {
		return fmt.Errorf("--server or --agentmode must be specified")
	}
	return nil
}

// ComputeLambdaDenom derives lambda_denom for the local process alone
// (spec.md §4.1's args_to_options, pre-coordinator), counting servers *
// connections per worker, scaled by roundrobin's max(|servers|,num) rule.
func (o *Options) ComputeLambdaDenom() {
	conns := o.Connections
	if o.RoundRobin {
		n := len(o.Servers)
		if o.Threads > n {
			n = o.Threads
		}
		conns *= n
	} else {
		servers := len(o.Servers)
		if servers == 0 {
			servers = 1
		}
		conns *= servers * o.Threads
	}
	if conns < 1 {
		conns = 1
	}
	denom := conns
	if o.LambdaMul > 1 {
		denom = int(float64(denom) * o.LambdaMul)
	}
	if o.Threads < 1 {
		denom = 0
	}
	o.LambdaDenom = denom
	o.RecomputeLambda()
}

// RecomputeLambda applies spec.md's derived rate-control formula:
// lambda = qps / lambda_denom * lambda_mul.
func (o *Options) RecomputeLambda() {
	if o.LambdaDenom == 0 {
		o.Lambda = 0
		return
	}
	o.Lambda = float64(o.QPS) / float64(o.LambdaDenom) * o.LambdaMul
}

// Clone returns a deep-enough copy for the search/scan meta-drivers, which
// mutate QPS/Lambda/Depth per iteration without disturbing the original.
func (o *Options) Clone() *Options {
	c := *o
	c.Servers = append([]string(nil), o.Servers...)
	c.Agents = append([]string(nil), o.Agents...)
	return &c
}
