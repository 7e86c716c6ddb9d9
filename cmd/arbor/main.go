// Command arbor is the operator CLI for the embedded storage engine: open
// or create a database file, inspect and mutate its tables, run
// compaction and integrity checks, or serve its admin HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborstore/arbor"
	"github.com/arborstore/arbor/internal/adminserver"
	"github.com/arborstore/arbor/internal/backend"
	"github.com/arborstore/arbor/internal/logger"
	"github.com/arborstore/arbor/internal/metrics"
	"github.com/spf13/cobra"
)

const adminShutdownTimeout = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "arbor - an embedded, single-file, ACID key-value store",
	Long: `arbor is an embedded key-value store: ordered tables and ordered
multimaps over opaque byte keys and values, backed by a copy-on-write
B-tree and dual god-page shadow paging for crash-atomic commits.

This binary is the operator CLI around one database file.`,
}

func init() {
	rootCmd.PersistentFlags().String("db", "arbor.db", "path to the database file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serveCmd)
}

// openOrCreate opens path if it already holds a database, or initializes
// a fresh one if the file doesn't exist or is empty, the way the teacher's
// cmd/treestore/main.go picked up an existing data file at startup without
// requiring a separate init step.
func openOrCreate(path string, log *logger.Logger, m *metrics.Metrics) (*arbor.Database, error) {
	fi, statErr := os.Stat(path)
	builder := arbor.NewBuilder()
	builder.Logger = log
	builder.Metrics = m

	be, err := backend.OpenFile(path)
	if err != nil {
		return nil, err
	}

	if statErr != nil || fi.Size() == 0 {
		db, err := builder.Create(be)
		if err != nil {
			be.Close()
			return nil, err
		}
		return db, nil
	}
	db, err := builder.Open(be)
	if err != nil {
		be.Close()
		return nil, err
	}
	return db, nil
}

func newLogger(cmd *cobra.Command) *logger.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logger.NewLogger(logger.Config{Level: level, Pretty: true})
}

var getCmd = &cobra.Command{
	Use:   "get TABLE KEY",
	Short: "Look up a key in a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		rx := db.BeginRead()
		defer rx.Close()

		t, err := rx.OpenTable(args[0])
		if err != nil {
			return fmt.Errorf("open table %q: %w", args[0], err)
		}
		defer t.Close()

		val, ok := t.Get([]byte(args[1]))
		if !ok {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Printf("%s\n", val)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put TABLE KEY VALUE",
	Short: "Insert or replace a key's value in a table",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		tx, err := db.BeginWrite(arbor.DurabilityImmediate)
		if err != nil {
			return err
		}

		t, err := tx.OpenTable(args[0])
		if err != nil {
			tx.Abort()
			return fmt.Errorf("open table %q: %w", args[0], err)
		}
		if _, _, err := t.Insert([]byte(args[1]), []byte(args[2])); err != nil {
			tx.Abort()
			return err
		}
		t.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete TABLE KEY",
	Short: "Remove a key from a table",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		tx, err := db.BeginWrite(arbor.DurabilityImmediate)
		if err != nil {
			return err
		}

		t, err := tx.OpenTable(args[0])
		if err != nil {
			tx.Abort()
			return fmt.Errorf("open table %q: %w", args[0], err)
		}
		removed, err := t.Remove([]byte(args[1]))
		if err != nil {
			tx.Abort()
			return err
		}
		t.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		if removed {
			fmt.Println("removed")
		} else {
			fmt.Println("not found")
		}
		return nil
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range TABLE",
	Short: "Iterate a table's entries in key order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		rev, _ := cmd.Flags().GetBool("rev")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		rx := db.BeginRead()
		defer rx.Close()

		t, err := rx.OpenTable(args[0])
		if err != nil {
			return fmt.Errorf("open table %q: %w", args[0], err)
		}
		defer t.Close()

		var r *arbor.Range
		if rev {
			r = t.RangeRev(nil, nil)
		} else {
			r = t.Range(nil, nil)
		}
		for r.Next() {
			fmt.Printf("%s\t%s\n", r.Key(), r.Value())
		}
		return nil
	},
}

func init() {
	rangeCmd.Flags().Bool("rev", false, "iterate in descending key order")
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List every table name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		rx := db.BeginRead()
		defer rx.Close()

		for _, name := range rx.ListTables() {
			fmt.Println(name)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite every table's pages compactly and shrink the file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		shrank, err := db.Compact()
		if err != nil {
			return err
		}
		if shrank {
			fmt.Println("compacted: file size reduced")
		} else {
			fmt.Println("compacted: no reduction")
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the structural integrity check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		if db.CheckIntegrity() {
			fmt.Println("OK")
			return nil
		}
		fmt.Println("FAILED")
		os.Exit(1)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print file size and page utilization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		db, err := openOrCreate(path, newLogger(cmd), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("file size:    %d bytes\n", stats.FileSizeBytes)
		fmt.Printf("used pages:   %d\n", stats.UsedPages)
		fmt.Printf("total pages:  %d\n", stats.TotalPages)
		fmt.Printf("page size:    %d bytes\n", stats.PageSize)
		fmt.Printf("regions:      %d\n", stats.Regions)
		fmt.Printf("last txn id:  %d\n", stats.CurrentTxnID)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin HTTP surface (/metrics, /healthz, /ready, /stats)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		port, _ := cmd.Flags().GetInt("port")
		log := newLogger(cmd)
		m := metrics.New()

		db, err := openOrCreate(path, log, m)
		if err != nil {
			return err
		}
		defer db.Close()

		srv := adminserver.New(port, db, log)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "admin server error: %v\n", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 9090, "admin HTTP server port")
}
