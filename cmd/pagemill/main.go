package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/pagemill/internal/config"
	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pathfix"
	"github.com/TobiSchelling/pagemill/internal/pdfdoc"
	"github.com/TobiSchelling/pagemill/internal/pipeline"
	"github.com/TobiSchelling/pagemill/internal/quality"
	"github.com/TobiSchelling/pagemill/internal/runlog"
	"github.com/TobiSchelling/pagemill/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

// errRunFailed makes the process exit non-zero without printing usage.
var errRunFailed = errors.New("run reported failures")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pagemill",
	Short:        "Rasterize PDF editions into page images",
	Long:         "pagemill turns uploaded PDF editions into per-page images and thumbnails and keeps the page ledger consistent with the files on disk.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		config.LoadEnv()
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runlog.SetLevel(cfg.Logging.Level)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(canonicalizeCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pagemill", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/pagemill/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the rasterizer engine and storage directories.")
		return nil
	},
}

var statusState string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger and edition status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		latest, err := db.GetLatestRunReport()
		if err != nil {
			return fmt.Errorf("getting latest run: %w", err)
		}

		var editions []database.Edition
		if statusState != "" {
			editions, err = db.ListEditionsByState(database.EditionState(strings.ToLower(statusState)))
		} else {
			editions, err = db.ListEditions()
		}
		if err != nil {
			return fmt.Errorf("listing editions: %w", err)
		}

		locks := make(map[int64]string)
		for _, ed := range editions {
			owner, err := db.LockOwner(ed.ID)
			if err != nil {
				return fmt.Errorf("reading lock for edition %d: %w", ed.ID, err)
			}
			if owner != "" {
				locks[ed.ID] = owner
			}
		}

		printStats(cmd.OutOrStdout(), stats, latest, cfg.Rasterizer.Engine)
		if len(editions) == 0 {
			if statusState != "" {
				fmt.Printf("\nNo %s editions.\n", statusState)
			} else {
				fmt.Println("\nNo editions registered. Add one with: pagemill add <pdf>")
			}
			return nil
		}
		fmt.Println()
		printEditions(cmd.OutOrStdout(), editions, locks)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusState, "state", "", "Only list editions in this state (unprocessed, partial, complete, failed)")
}

// --- add command ---

var (
	addTitle     string
	addPublished bool
)

var addCmd = &cobra.Command{
	Use:   "add <pdf>",
	Short: "Register an uploaded PDF as a new edition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("PDF not found: %s", args[0])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		title := addTitle
		if title == "" {
			title = filepath.Base(abs)
		}
		status := database.StatusDraft
		if addPublished {
			status = database.StatusPublished
		}

		stored := pathfix.New(cfg.GetSiteRoot()).Relative(abs)
		id, err := db.InsertEdition(stored, title, status)
		if err != nil {
			return err
		}
		fmt.Printf("Added edition [%d]: %s (%s)\n", id, title, stored)

		if info, err := pdfdoc.NewInspector().Inspect(abs); err != nil {
			fmt.Printf("Warning: %v; the next run will mark this edition failed\n", err)
		} else {
			fmt.Printf("  %d pages; run 'pagemill run' to rasterize\n", info.PageCount)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addTitle, "title", "", "Edition title (defaults to the file name)")
	addCmd.Flags().BoolVar(&addPublished, "published", false, "Mark the edition as published")
}

// --- publish command ---

var publishDraft bool

var publishCmd = &cobra.Command{
	Use:   "publish <edition-id>",
	Short: "Mark an edition as published (or back to draft)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid edition ID: %s", args[0])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		edition, err := db.GetEdition(id)
		if err != nil {
			return err
		}
		if edition == nil {
			return fmt.Errorf("edition %d not found", id)
		}

		status := database.StatusPublished
		if publishDraft {
			status = database.StatusDraft
		}
		if err := db.SetEditionStatus(id, status); err != nil {
			return err
		}
		fmt.Printf("Edition [%d] %s: %s -> %s\n", id, edition.Title, edition.Status, status)
		return nil
	},
}

func init() {
	publishCmd.Flags().BoolVar(&publishDraft, "draft", false, "Return the edition to draft instead")
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation pass over every edition",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, cleanup, err := openPipeline()
		if err != nil {
			return err
		}
		defer cleanup()

		if dryRun {
			plans, err := pipe.DryRun()
			if err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Println("No editions registered.")
				return nil
			}
			printPlans(cmd.OutOrStdout(), plans)
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := pipe.RunOnce(ctx)
		if err != nil {
			return err
		}
		printOutcomes(cmd.OutOrStdout(), summary)
		fmt.Printf("\nRun %s %s\n", summary.ShortID(), summary.Line())
		if !summary.Success {
			return errRunFailed
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- watch command ---

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run reconciliation passes on an interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, cleanup, err := openPipeline()
		if err != nil {
			return err
		}
		defer cleanup()

		interval := watchInterval
		if interval == 0 {
			interval = cfg.Scheduler.Interval
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching every %s. Press Ctrl+C to stop\n", interval)
		return pipe.Watch(ctx, interval)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Time between passes (defaults to scheduler.interval)")
}

// --- canonicalize command ---

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize",
	Short: "Rewrite drifted page and PDF paths across the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, cleanup, err := openPipeline()
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := pipe.CanonicalizeAll(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Paths checked: %d\n", report.PathsChecked)
		fmt.Printf("Rewritten: %d\n", report.Rewritten)
		fmt.Printf("Pages marked failed: %d\n", report.PagesFailed)
		if report.EditionsSkipped > 0 {
			fmt.Printf("Editions skipped (locked): %d\n", report.EditionsSkipped)
		}
		if len(report.Unresolvable) > 0 {
			fmt.Printf("\nUnresolvable (%d):\n", len(report.Unresolvable))
			for _, p := range report.Unresolvable {
				fmt.Printf("  %s\n", p)
			}
		}
		return nil
	},
}

// --- quality command ---

var qualityPage int

var qualityCmd = &cobra.Command{
	Use:   "quality <edition-id|image>",
	Short: "Show quality scores for an edition's pages or a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scorer := quality.NewScorer(cfg.Quality)

		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			edition, err := db.GetEdition(id)
			if err != nil {
				return err
			}
			if edition == nil {
				return fmt.Errorf("edition %d not found", id)
			}
			var pages []database.Page
			if qualityPage > 0 {
				page, err := db.GetPage(id, qualityPage)
				if err != nil {
					return err
				}
				if page == nil {
					return fmt.Errorf("edition %d has no record for page %d", id, qualityPage)
				}
				pages = append(pages, *page)
			} else {
				pages, err = db.GetPages(id)
				if err != nil {
					return err
				}
			}
			fmt.Printf("[%d] %s: %s, %d pages\n\n", edition.ID, edition.Title, edition.State, edition.PageCount)
			if len(pages) == 0 {
				fmt.Println("No pages recorded yet.")
				return nil
			}
			printPageQuality(cmd.OutOrStdout(), scorer, pages)
			return nil
		}

		report, err := scorer.Score(args[0])
		if err != nil {
			return err
		}
		printImageQuality(cmd.OutOrStdout(), args[0], report)
		return nil
	},
}

func init() {
	qualityCmd.Flags().IntVar(&qualityPage, "page", 0, "Only show this page of the edition")
}

// --- reset command ---

var resetCmd = &cobra.Command{
	Use:   "reset <edition-id>",
	Short: "Clear a failed edition so the next run retries it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid edition ID: %s", args[0])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		edition, err := db.GetEdition(id)
		if err != nil {
			return err
		}
		if edition == nil {
			return fmt.Errorf("edition %d not found", id)
		}
		if edition.State != database.StateFailed {
			fmt.Printf("Edition [%d] is %s, nothing to reset\n", id, edition.State)
			return nil
		}

		if _, err := db.ResetEdition(id); err != nil {
			return err
		}
		updated, err := db.GetEdition(id)
		if err != nil {
			return err
		}
		fmt.Printf("Edition [%d] %s: failed -> %s\n", id, edition.Title, updated.State)
		return nil
	},
}

// --- serve command ---

var (
	servePort  int
	serveNoRun bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, cleanup, err := openPipeline()
		if err != nil {
			return err
		}
		defer cleanup()

		var runner server.Runner
		if !serveNoRun {
			runner = pipe
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(pipe.DB(), runner, server.Options{
			SiteRoot: cfg.GetSiteRoot(),
			Scorer:   quality.NewScorer(cfg.Quality),
		}, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (defaults to server.port)")
	serveCmd.Flags().BoolVar(&serveNoRun, "no-run", false, "Disable the run action on the status page")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

// openPipeline opens the ledger and run log and assembles a pipeline.
// The returned cleanup closes both.
func openPipeline() (*pipeline.Pipeline, func(), error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	runLog, err := runlog.Open(cfg.LogPath())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		runLog.Close()
		db.Close()
	}

	pipe, err := pipeline.New(cfg, db, runLog)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return pipe, cleanup, nil
}
