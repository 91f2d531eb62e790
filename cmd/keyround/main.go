package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/bitfsorg/keyround-go/alert"
	"github.com/bitfsorg/keyround-go/config"
	"github.com/bitfsorg/keyround-go/game"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/logger"
	"github.com/bitfsorg/keyround-go/metrics"
)

// Set by the build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ledgerFile is the bolt database inside the data directory.
const ledgerFile = "keyround.db"

const usage = `Usage: keyround [global flags] <command> [flags]

Commands:
  init             create the config file, wallet seed and authority identity
  identity new     derive a new participant identity
  identity list    list participant identities
  round start      start the next round
  register         register an identity in the current round
  buy              buy keys in the current round
  claim            claim dividends and the winner prize
  claim-referral   claim referral earnings
  update-defaults  store the config file's game defaults for future rounds
  status           show the current round
  leaderboard      list participants by keys held
  events           page the event journal
  audit            check the accounting invariants
  sim              run simulated buyers through a round

Global flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by the commands.
type app struct {
	cfg      config.Config
	password string
	log      *slog.Logger
	engine   *game.Engine
	out      io.Writer
}

func run(args []string) error {
	// Load .env from the working directory if present.
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	fs := flag.NewFlagSet("keyround", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	dataDirFlag := fs.String("datadir", config.DefaultDataDir(), "data directory (or set KEYROUND_DATADIR env var)")
	verboseFlag := fs.BoolP("verbose", "v", false, "enable verbose (debug) logging")
	passwordFlag := fs.String("password", "", "wallet password (or set KEYROUND_PASSWORD env var)")
	metricsAddrFlag := fs.String("metrics", "", "address to serve prometheus metrics on (or set KEYROUND_METRICS env var)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	dataDir := *dataDirFlag
	if env := os.Getenv("KEYROUND_DATADIR"); env != "" && !fs.Changed("datadir") {
		dataDir = env
	}
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return err
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddrFlag
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	a := &app{cfg: cfg, password: *passwordFlag, out: os.Stdout}
	if a.password == "" {
		a.password = os.Getenv("KEYROUND_PASSWORD")
	}

	logClose, err := a.setupLogger(*verboseFlag)
	if err != nil {
		return err
	}
	defer logClose()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "init" {
		return a.cmdInit(cmdArgs)
	}
	if cmd == "identity" {
		return a.cmdIdentity(cmdArgs)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	alerter, flush, err := a.setupAlerter()
	if err != nil {
		return err
	}
	defer flush()

	a.startMetrics()

	if cmd == "sim" {
		return a.cmdSim(ctx, cmdArgs, alerter)
	}

	store, err := ledger.OpenBoltStore(a.ledgerPath())
	if err != nil {
		return err
	}
	defer store.Close()

	a.engine, err = game.New(game.Config{
		Store:     store,
		Defaults:  cfg.Snapshot(),
		Authority: cfg.Authority,
		Logger:    a.log,
		Alerter:   alerter,
	})
	if err != nil {
		return err
	}

	switch cmd {
	case "round":
		return a.cmdRound(ctx, cmdArgs)
	case "register":
		return a.cmdRegister(ctx, cmdArgs)
	case "buy":
		return a.cmdBuy(ctx, cmdArgs)
	case "claim":
		return a.cmdClaim(ctx, cmdArgs, game.OpClaim)
	case "claim-referral":
		return a.cmdClaim(ctx, cmdArgs, game.OpClaimReferral)
	case "update-defaults":
		return a.cmdUpdateDefaults(ctx, cmdArgs)
	case "status":
		return a.cmdStatus(ctx)
	case "leaderboard":
		return a.cmdLeaderboard(ctx, cmdArgs)
	case "events":
		return a.cmdEvents(ctx, cmdArgs)
	case "audit":
		return a.cmdAudit(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// loadConfig reads the config file in dataDir, falling back to defaults,
// then applies KEYROUND_* overrides.
func loadConfig(dataDir string) (config.Config, error) {
	cfg, err := config.LoadConfig(config.ConfigPath(dataDir))
	if errors.Is(err, config.ErrConfigNotFound) {
		cfg = config.DefaultConfig()
	} else if err != nil {
		return cfg, err
	}
	cfg.DataDir = dataDir
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (a *app) setupLogger(verbose bool) (func(), error) {
	level, err := logger.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	if a.cfg.LogFile == "" {
		a.log = logger.NewWriter(os.Stderr, level)
		return func() {}, nil
	}

	f, err := os.OpenFile(a.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	a.log = logger.NewWriter(f, level)
	return func() { f.Close() }, nil
}

func (a *app) setupAlerter() (alert.Alerter, func(), error) {
	if a.cfg.SentryDSN == "" {
		return alert.Nop{}, func() {}, nil
	}
	s, err := alert.NewSentry(a.cfg.SentryDSN, a.cfg.Network, version)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Flush(2 * time.Second) }, nil
}

func (a *app) startMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			a.log.Error("failed to start prometheus metrics server listener", "error", err)
			return
		}
		a.log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil {
			a.log.Error("prometheus metrics server stopped", "error", err)
		}
	}()
}

func (a *app) ledgerPath() string {
	return filepath.Join(a.cfg.DataDir, ledgerFile)
}

// print writes v to stdout as indented JSON.
func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
