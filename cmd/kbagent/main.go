package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"kbagent/internal/chat"
	"kbagent/internal/config"
	"kbagent/internal/credentials"
	"kbagent/internal/foundry/mockremote"
	"kbagent/internal/logging"
	"kbagent/internal/session"
	"kbagent/internal/store"
	"kbagent/internal/worker"
)

// Version is set via -ldflags during build
var Version = "dev"

const mockEnv = "KBAGENT_MOCK_REMOTE"

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config.yaml (default ~/.kbagent/config.yaml)")
		knowledgeDir = flag.String("knowledge", "", "Override the knowledge base directory")
		instrPath    = flag.String("instructions", "", "Override the agent instructions file")
		promptFlag   = flag.String("p", "", "Send a single message and exit (non-interactive mode)")
		connectFlag  = flag.Bool("connect", false, "Connect immediately on start")
		cleanupFlag  = flag.Bool("cleanup", false, "Delete remote resources left behind by earlier runs and exit")
		plainFlag    = flag.Bool("plain", false, "Disable colours and markdown rendering")
		setupFlag    = flag.Bool("setup", false, "Run credential setup wizard")
		versionFlag  = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(promptFlag, "prompt", "", "Send a single message and exit (non-interactive mode)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("kbagent version %s\n", Version)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: could not read .env: %v", err)
	}

	credManager, err := credentials.NewManager()
	if err != nil {
		log.Fatalf("Failed to initialize credential manager: %v", err)
	}
	if *setupFlag {
		if err := credentials.SetupMenu(credManager); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		return
	}
	creds, err := credManager.Load()
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if dir := strings.TrimSpace(*knowledgeDir); dir != "" {
		cfg.KnowledgeDir = dir
	}
	if p := strings.TrimSpace(*instrPath); p != "" {
		cfg.InstructionsPath = p
	}
	if *plainFlag {
		cfg.PlainOutput = true
	}
	if cfg.PlainOutput {
		color.NoColor = true
	}

	logger, logCloser, err := logging.Setup(logging.Options{Path: cfg.LogPath})
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}

	ledger, err := store.Open(cfg.StorePath)
	if err != nil {
		logCloser.Close()
		log.Fatalf("Failed to open local store: %v", err)
	}

	err = run(cfg, creds, ledger, logger, runFlags{
		prompt:  *promptFlag,
		cleanup: *cleanupFlag,
		connect: *connectFlag,
	})
	if cerr := ledger.Close(); cerr != nil {
		logger.Printf("close store: %v", cerr)
	}
	logCloser.Close()
	if err != nil {
		// the shell already printed session errors to the transcript
		log.Printf("kbagent: %v", err)
		os.Exit(1)
	}
}

type runFlags struct {
	prompt  string
	cleanup bool
	connect bool
}

// run executes the selected mode and reports failure to main, which closes
// the store and log before exiting.
func run(cfg config.Config, creds *credentials.Credentials, ledger *store.Store, logger *log.Logger, flags runFlags) error {
	sessionID := uuid.NewString()
	structured := logging.NewStructuredLogger(logger, "kbagent", false).WithSession(sessionID[:8])

	dial := session.FoundryDialer(cfg.Endpoint, cfg.APIVersion, creds, cfg.RequestTimeout(), logger)
	if os.Getenv(mockEnv) == "1" {
		logger.Printf("%s=1 detected; using simulated remote", mockEnv)
		color.New(color.FgHiBlack).Println("(simulated remote: no Azure resources are created)")
		dial = session.StaticDialer(mockremote.New())
		if cfg.Endpoint == "" {
			cfg.Endpoint = "mock://local"
		}
		if cfg.ModelDeployment == "" {
			cfg.ModelDeployment = "mock-model"
		}
	}

	if flags.cleanup {
		if err := runCleanup(cfg, dial, ledger, structured); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		return nil
	}

	if err := ledger.BeginSession(context.Background(), sessionID); err != nil {
		return err
	}
	defer func() {
		if err := ledger.EndSession(context.Background()); err != nil {
			logger.Printf("end session: %v", err)
		}
	}()

	if missing := cfg.MissingRemote(); len(missing) > 0 {
		logger.Printf("remote configuration incomplete: %s", strings.Join(missing, ", "))
	}

	sess := session.New()
	ctrl := session.NewController(sess, session.Options{
		Endpoint:         cfg.Endpoint,
		Model:            cfg.ModelDeployment,
		VectorStoreName:  cfg.VectorStoreName,
		AgentNamePrefix:  cfg.AgentNamePrefix,
		KnowledgeDir:     cfg.KnowledgeDir,
		InstructionsPath: cfg.InstructionsPath,
	}, dial, ledger, structured)
	exec := session.NewExecutor(sess, cfg.PollInterval(), cfg.RunTimeout(), structured)
	w := worker.New(4)

	shell := chat.New(chat.Options{
		Controller:  ctrl,
		Executor:    exec,
		Worker:      w,
		Transcript:  ledger,
		SessionID:   sessionID,
		Examples:    cfg.Examples,
		HistoryPath: cfg.HistoryPath,
		Plain:       cfg.PlainOutput,
		AutoConnect: flags.connect,
		Logger:      logger,
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return ledger.KeepAlive(gctx, store.HeartbeatInterval)
	})
	g.Go(func() error {
		defer stopWorker()
		if prompt := strings.TrimSpace(flags.prompt); prompt != "" {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return shell.RunOneShot(ctx, prompt)
		}
		return shell.Run(context.Background())
	})
	if err := g.Wait(); err != nil {
		logger.Printf("exit: %v", err)
		return err
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path = strings.TrimSpace(path); path != "" {
		return config.Load(path)
	}
	if err := config.EnsureDefaultConfig(); err != nil {
		return config.Config{}, fmt.Errorf("ensure default config: %w", err)
	}
	return config.LoadUserConfig()
}

// runCleanup deletes every resource the ledger still lists as live.
func runCleanup(cfg config.Config, dial session.Dialer, ledger *store.Store, logger *logging.StructuredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outstanding, err := ledger.Outstanding(ctx)
	if err != nil {
		return err
	}
	if len(outstanding) == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("%s must be set to clean up", config.EnvEndpoint)
	}

	remote, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer remote.Close()

	resources := make([]session.Resource, 0, len(outstanding))
	for _, r := range outstanding {
		resources = append(resources, session.Resource{Kind: r.Kind, ID: r.RemoteID})
	}
	fmt.Printf("Deleting %d leftover remote resource(s)...\n", len(resources))
	removed, err := session.Sweep(ctx, remote, resources, ledger, logger.WithComponent("cleanup"))
	color.New(color.FgGreen).Printf("Removed %d of %d.\n", removed, len(resources))
	return err
}
