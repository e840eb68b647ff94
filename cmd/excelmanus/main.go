// Command excelmanus operates an agent workspace from the command line.
//
// Usage:
//
//	excelmanus validate --config config.yaml
//	excelmanus scan --config config.yaml --user alice
//	excelmanus rollback --turn 3 --user alice
//	excelmanus gc --config config.yaml
//
// The agent loop itself is a library (pkg/engine); wire adapters for LLM
// providers live outside this repository. These commands cover workspace
// maintenance: config validation, registry scans, turn rollback and version
// garbage collection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/excelmanus/excelmanus/pkg/config"
	"github.com/excelmanus/excelmanus/pkg/files"
	"github.com/excelmanus/excelmanus/pkg/logger"
	"github.com/excelmanus/excelmanus/pkg/workspace"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Scan     ScanCmd     `cmd:"" help:"Scan a workspace and print the file panorama."`
	Rollback RollbackCmd `cmd:"" help:"Revert files touched at or after a turn."`
	GC       GCCmd       `cmd:"" name:"gc" help:"Expire old file versions and stale staging."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	User      string `help:"User id for multi-tenant workspaces."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("excelmanus %s\n", version)
	return nil
}

// ValidateCmd validates the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.LoadFromFile(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

// ScanCmd rescans the workspace into the file registry and prints the
// panorama the agent would see. With --watch it keeps rescanning whenever
// files change on disk until interrupted.
type ScanCmd struct {
	Watch bool `help:"Keep watching the workspace and rescan on changes."`
}

func (c *ScanCmd) Run(cli *CLI) error {
	ws, _, err := openWorkspace(cli)
	if err != nil {
		return err
	}

	reg, err := files.OpenSQLite(ws.RegistryDBPath())
	if err != nil {
		return err
	}
	defer reg.Close()

	scanner := files.NewScanner(ws.Root, reg)
	result, err := scanner.ScanWorkspace()
	if err != nil {
		return err
	}
	fmt.Printf("scanned %s: %d new, %d updated, %d removed\n",
		ws.Root, len(result.Added), len(result.Updated), len(result.Removed))

	entries, err := reg.ListActive()
	if err != nil {
		return err
	}
	fmt.Println(files.BuildPanorama(entries))

	if !c.Watch {
		return nil
	}

	watcher, err := files.NewWatcher(ws.Root, scanner, func(r *files.ScanResult) {
		fmt.Printf("rescanned %s: %d new, %d updated, %d removed\n",
			ws.Root, len(r.Added), len(r.Updated), len(r.Removed))
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println("watching for changes (ctrl-c to stop)")
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RollbackCmd reverts every file touched at or after the given turn.
type RollbackCmd struct {
	Turn int `help:"Turn number to roll back to." required:""`
}

func (c *RollbackCmd) Run(cli *CLI) error {
	ws, _, err := openWorkspace(cli)
	if err != nil {
		return err
	}
	restored, err := ws.Versions.RollbackToTurn(c.Turn)
	if err != nil {
		return err
	}
	if len(restored) == 0 {
		fmt.Printf("nothing to roll back for turn %d\n", c.Turn)
		return nil
	}
	fmt.Printf("rolled back %d file(s): %s\n", len(restored), strings.Join(restored, ", "))
	return nil
}

// GCCmd expires interior versions past the TTL and prunes stale staging.
type GCCmd struct{}

func (c *GCCmd) Run(cli *CLI) error {
	ws, cfg, err := openWorkspace(cli)
	if err != nil {
		return err
	}
	ttl := time.Duration(cfg.Workspace.VersionTTLHours) * time.Hour
	removed := ws.Versions.GC(ttl)
	pruned := ws.Versions.PruneStaleStaging(24 * time.Hour)
	fmt.Printf("removed %d version(s), pruned %d stale staged file(s)\n", removed, pruned)
	return nil
}

func openWorkspace(cli *CLI) (*workspace.Workspace, *config.Config, error) {
	cfg := config.Default()
	if cli.Config != "" {
		loaded, err := config.LoadFromFile(cli.Config)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	userID := ""
	if cfg.Workspace.MultiTenant {
		userID = cli.User
		if userID == "" {
			return nil, nil, fmt.Errorf("--user is required for a multi-tenant workspace")
		}
	}

	ws, err := workspace.Open(cfg.Workspace.BaseDir, workspace.Options{
		UserID:         userID,
		QuotaBytes:     cfg.Workspace.QuotaMB * 1024 * 1024,
		QuotaFiles:     cfg.Workspace.QuotaFiles,
		TurnBufferSize: cfg.Workspace.TurnBufferSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return ws, cfg, nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("excelmanus"),
		kong.Description("Spreadsheet agent workspace tooling."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
