// mcgate - Discord-gated Minecraft whitelist and server status bot
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ernie/mcgate/internal/api"
	"github.com/ernie/mcgate/internal/bootstrap"
	"github.com/ernie/mcgate/internal/config"
	"github.com/ernie/mcgate/internal/discord"
	"github.com/ernie/mcgate/internal/domain"
	"github.com/ernie/mcgate/internal/minecraft"
	"github.com/ernie/mcgate/internal/mojang"
	"github.com/ernie/mcgate/internal/status"
	"github.com/ernie/mcgate/internal/telemetry"
	"github.com/ernie/mcgate/internal/verify"
)

var version = "dev"

const defaultEnvFile = ".env"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "lookup":
		cmdLookup(os.Args[2:])
	case "check-config":
		cmdCheckConfig(os.Args[2:])
	case "version":
		fmt.Printf("mcgate %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mcgate <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Run the bot (verification, status channel, optional HTTP API)")
	fmt.Println("  status                 Query the Minecraft server once and show the status label")
	fmt.Println("  lookup <username>      Resolve a Minecraft username through the Mojang API")
	fmt.Println("  check-config           Validate configuration and print it with secrets redacted")
	fmt.Println("  version                Show version")
	fmt.Println("  help                   Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>        Optional YAML configuration file")
	fmt.Println("  --env-file <path>      Environment file to load (default .env if present)")
	fmt.Println()
	fmt.Println("Required environment:")
	fmt.Println("  SERVER_ADDRESS, RCON_PASSWORD, DISCORD_TOKEN,")
	fmt.Println("  DISCORD_STATUS_CHANNEL_ID, DISCORD_VERIFY_CHANNEL_ID")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  mcgate serve --config /etc/mcgate/config.yml")
	fmt.Println("  mcgate lookup Notch")
}

// newFlagSet returns a flag set carrying the global options
func newFlagSet(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	envFile := fs.String("env-file", "", "path to .env file")
	return fs, configPath, envFile
}

// loadConfig loads the env file (if any), then the YAML file and environment
func loadConfig(configPath, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	} else if _, err := os.Stat(defaultEnvFile); err == nil {
		if err := godotenv.Load(defaultEnvFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultEnvFile, err)
		}
	}
	return config.Load(configPath)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// cmdServe runs the bot until interrupted or until an invariant breaks
func cmdServe(args []string) {
	fs, configPath, envFile := newFlagSet("serve")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := serve(cfg, logger); err != nil {
		logger.Error("shutting down", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("mcgate starting", slog.String("version", version), slog.String("server", cfg.Minecraft.Address))

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	var events chan domain.Event
	if cfg.API.ListenAddr != "" {
		events = make(chan domain.Event, 256)
	}

	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return err
	}
	guild, err := discord.ResolveGuild(ctx, session, discord.GuildOptions{
		RoleName:        cfg.Verify.RoleName,
		VerifyChannelID: cfg.Discord.VerifyChannelID,
		StatusChannelID: cfg.Discord.StatusChannelID,
	})
	if err != nil {
		return fmt.Errorf("resolving guild: %w", err)
	}
	logger.Info("managing guild", slog.String("guild_id", guild.ID()))

	workflow := verify.New(verify.Options{
		Resolver:         mojang.NewClient(cfg.Mojang.BaseURL, cfg.Mojang.Timeout),
		AllowList:        minecraft.NewWhitelist(cfg.RconAddr(), cfg.Minecraft.RconPassword, cfg.Minecraft.RconTimeout, logger),
		Membership:       guild,
		Logger:           logger.With(slog.String("component", "verify")),
		Events:           events,
		SerializePerUser: cfg.SerializePerUser(),
	})

	loop := status.NewLoop(status.Options{
		Querier:      minecraft.NewPinger(cfg.QueryAddr(), cfg.Minecraft.QueryTimeout),
		Display:      guild,
		Interval:     cfg.Status.Interval,
		OnlineFormat: cfg.Status.OnlineFormat,
		OfflineLabel: cfg.Status.OfflineLabel,
		Logger:       logger.With(slog.String("component", "status")),
		Events:       events,
	})

	// The status loop starts once the guild has been bootstrapped
	ready := make(chan struct{})
	bot := discord.NewBot(session, discord.BotOptions{
		Verifier: workflow,
		OnReady: func(ctx context.Context) error {
			err := bootstrap.Run(ctx, guild, bootstrap.Options{
				RoleName:        cfg.Verify.RoleName,
				VerifyChannelID: cfg.Discord.VerifyChannelID,
				StatusChannelID: cfg.Discord.StatusChannelID,
				Logger:          logger.With(slog.String("component", "bootstrap")),
			})
			if err != nil {
				return err
			}
			close(ready)
			return nil
		},
		SettleDelay:      cfg.Discord.SettleDelay,
		OpenRetryTimeout: cfg.Discord.OpenRetryTimeout,
		Logger:           logger.With(slog.String("component", "discord")),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ready:
		}
		logger.Info("status loop started", slog.Duration("interval", cfg.Status.Interval))
		return loop.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-bot.Fatal():
			return err
		}
	})

	if cfg.API.ListenAddr != "" {
		router := api.NewRouter(loop, logger.With(slog.String("component", "api")))
		g.Go(func() error {
			router.Feed().Run(gctx, events)
			return nil
		})
		g.Go(func() error {
			return api.ListenAndServe(gctx, cfg.API.ListenAddr, router, logger)
		})
	}

	return g.Wait()
}

func cmdStatus(args []string) {
	fs, configPath, envFile := newFlagSet("status")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Minecraft.Address == "" {
		fmt.Fprintln(os.Stderr, "Error: SERVER_ADDRESS is required")
		os.Exit(1)
	}

	loop := status.NewLoop(status.Options{
		OnlineFormat: cfg.Status.OnlineFormat,
		OfflineLabel: cfg.Status.OfflineLabel,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Minecraft.QueryTimeout+time.Second)
	defer cancel()

	st, err := minecraft.NewPinger(cfg.QueryAddr(), cfg.Minecraft.QueryTimeout).Query(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tVERSION\tPLAYERS\tSTATUS")
	fmt.Fprintln(w, "------\t-------\t-------\t------")
	if err != nil {
		fmt.Fprintf(w, "%s\t-\t-\tOFFLINE\n", cfg.QueryAddr())
	} else {
		ver := st.Version
		if ver == "" {
			ver = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\tONLINE\n", cfg.QueryAddr(), ver, st.PlayersOnline, st.PlayersMax)
	}
	w.Flush()

	fmt.Println()
	fmt.Printf("Label: %s\n", loop.Label(st))
	if err != nil {
		fmt.Printf("Reason: %v\n", err)
	} else if len(st.Players) > 0 {
		fmt.Printf("Players: %s\n", strings.Join(st.Players, ", "))
	}
}

func cmdLookup(args []string) {
	fs, configPath, envFile := newFlagSet("lookup")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: mcgate lookup <username>")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := mojang.NewClient(cfg.Mojang.BaseURL, cfg.Mojang.Timeout)
	profile, err := client.Lookup(context.Background(), fs.Arg(0))
	if errors.Is(err, domain.ErrProfileNotFound) {
		fmt.Fprintf(os.Stderr, "No Mojang account named %q\n", fs.Arg(0))
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUUID")
	fmt.Fprintf(w, "%s\t%s\n", profile.Name, profile.ID)
	w.Flush()
}

func cmdCheckConfig(args []string) {
	fs, configPath, envFile := newFlagSet("check-config")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "\nInvalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nConfiguration OK")
}
