package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/config"
	"github.com/mattjoyce/cbrainctl/internal/dispatch"
	"github.com/mattjoyce/cbrainctl/internal/journal"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/profile"
	"github.com/mattjoyce/cbrainctl/internal/status"
	"github.com/mattjoyce/cbrainctl/internal/storage"
)

// tokenEnvVar supplies the platform token when the config holds none.
const tokenEnvVar = "CBRAIN_TOKEN"

// globalFlags are accepted by every action.
type globalFlags struct {
	configPath  string
	journalPath string
	jsonOut     bool
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&g.journalPath, "journal", "", "Path to the operation journal database")
	fs.BoolVar(&g.jsonOut, "json", false, "Output in structured JSON format")
}

// app is the wiring shared by actions: configuration, tool registry,
// platform client and journal.
type app struct {
	cfg      *config.Config
	registry *profile.Registry
	client   *cbrain.Client
	checksum string
	journal  *journal.Journal
	db       *sql.DB
}

func loadApp(ctx context.Context, g globalFlags) (*app, error) {
	configPath := g.configPath
	if configPath == "" {
		discovered, err := config.DiscoverConfigFile()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	userPath := config.UserConfigFile()

	cfg, err := config.LoadMerged(configPath, userPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if g.journalPath != "" {
		cfg.State.Path = g.journalPath
	}

	registry, err := profile.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var tokens cbrain.TokenSource = cbrain.EnvToken{Var: tokenEnvVar}
	if cfg.Platform.Token != "" {
		tokens = cbrain.StaticToken(cfg.Platform.Token)
	}
	client, err := cbrain.New(cfg.Platform.BaseURL, tokens,
		cbrain.WithTimeout(cfg.Platform.Timeout),
		cbrain.WithLogger(log.WithComponent("cbrain")),
	)
	if err != nil {
		return nil, err
	}

	checksum, err := config.Checksum(configPath, userPath)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, registry: registry, client: client, checksum: checksum}, nil
}

func (a *app) dispatcher() *dispatch.Client {
	return dispatch.New(a.client,
		dispatch.WithWorkers(a.cfg.Platform.Workers),
		dispatch.WithTimeout(a.cfg.Platform.Timeout),
	)
}

func (a *app) engine() *status.Engine {
	return status.NewEngine(a.client, a.dispatcher(),
		status.WithRegistry(a.registry),
		status.WithWorkers(a.cfg.Platform.Workers),
	)
}

func (a *app) openJournal(ctx context.Context) (*journal.Journal, error) {
	if a.journal != nil {
		return a.journal, nil
	}
	db, err := storage.OpenSQLite(ctx, a.cfg.State.Path)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.journal = journal.New(db, journal.WithChecksum(a.checksum))
	return a.journal, nil
}

// lockDir keeps tree locks next to the journal.
func (a *app) lockDir() string {
	return filepath.Join(filepath.Dir(a.cfg.State.Path), "locks")
}

// record stores an operation in the journal. A journal failure is reported
// but never changes the outcome of the operation itself.
func (a *app) record(ctx context.Context, e journal.Entry) {
	j, err := a.openJournal(ctx)
	if err == nil {
		_, err = j.Record(ctx, e)
	}
	if err != nil {
		log.Warn("journal entry not recorded", "operation", e.Operation, "error", err)
	}
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// signalContext is cancelled on interrupt so long polls stop cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseInterspersed lets flags follow positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func exitCode(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

func failf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
