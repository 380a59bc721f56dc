// Command wcmsctl is the operator-facing CLI over a working copy
// metadata store: it never embeds business logic of its own, only thin
// cobra commands that open a wcms.Session and call into it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wcms/wcms"
	"github.com/wcms/wcms/internal/config"
	"github.com/wcms/wcms/internal/locks"
	"github.com/wcms/wcms/internal/workqueue"
)

// rootCtx is cancelled on SIGINT/SIGTERM; every long-running command
// derives its context from this one rather than context.Background()
// directly, so Ctrl-C unwinds cleanly out of a blocked lock wait.
var rootCtx, _ = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

var logger *slog.Logger

var dbPathFlag string

var rootCmd = &cobra.Command{
	Use:   "wcmsctl",
	Short: "Inspect and administer a working copy metadata store",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to wc.db (defaults to wc.db in the nearest enclosing .wcms directory holding wcms.toml, else ./.wcms/wc.db)")

	rootCmd.AddCommand(statusCmd, gcCmd, queueCmd, lockCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	if logger != nil {
		return
	}
	logger = slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   filepath.Join(os.TempDir(), "wcmsctl.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, nil))
}

func resolveDBPath() (string, error) {
	if dbPathFlag != "" {
		return dbPathFlag, nil
	}
	if cfgPath := config.FindProjectConfig("."); cfgPath != "" {
		return filepath.Join(filepath.Dir(filepath.Dir(cfgPath)), ".wcms", "wc.db"), nil
	}
	return filepath.Join(".wcms", "wc.db"), nil
}

func openSession(ctx context.Context) (*wcms.Session, error) {
	initLogging()
	dbPath, err := resolveDBPath()
	if err != nil {
		return nil, err
	}
	cache, err := config.LoadFile(filepath.Join(filepath.Dir(dbPath), "wcms.toml"))
	if err != nil {
		return nil, err
	}
	_, cache = config.CLIOverlay(cache)
	logger.Info("opening session", "db", dbPath)
	return wcms.Open(ctx, dbPath, 1, wcms.Options{Cache: cache})
}

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show conflict victims under path (default: workcopy root)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relpath := ""
		if len(args) == 1 {
			relpath = args[0]
		}
		s, err := openSession(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		victims, err := s.Actual.ListConflictVictims(rootCtx, s.DB(), s.WCID, relpath)
		if err != nil {
			return err
		}
		for _, v := range victims {
			fmt.Println(v)
		}
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced, zero-refcount pristine blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		removed, err := s.Pristine.GC(rootCtx, s.DB())
		if err != nil {
			return err
		}
		logger.Info("gc complete", "removed", len(removed))
		fmt.Printf("removed %d pristine blobs\n", len(removed))
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the durable work queue",
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply and remove every queued work item",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		var count int
		err = s.Queue.Drain(rootCtx, s.DB(), func(kind workqueue.Kind, payload []byte) error {
			count++
			logger.Info("drained work item", "kind", kind)
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("drained %d work items\n", count)
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or wait on the session-level write lock",
}

var lockWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until the current writer session releases its lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		initLogging()
		guard := locks.NewSessionGuard(filepath.Dir(dbPath))
		logger.Info("waiting for session release", "db", dbPath)
		return guard.WaitForRelease(rootCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring wc.db's schema up to the version this build expects",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(rootCtx)
		if err != nil {
			return err
		}
		// schema.Ensure already ran as part of Open; migrate's job here
		// is to surface that success/failure directly to the operator.
		defer s.Close()
		fmt.Println("schema is current")
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueDrainCmd)
	lockCmd.AddCommand(lockWaitCmd)
}
