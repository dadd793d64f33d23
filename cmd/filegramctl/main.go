// filegramctl is the operator CLI: bulk reindex, artifact and orphan
// sweeps, store statistics, and signing key generation. It talks to
// Redis directly with the same core packages as the bot service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/filegram-io/filegram/core/expiry"
	"github.com/filegram-io/filegram/core/index"
	"github.com/filegram-io/filegram/core/infra/config"
	"github.com/filegram-io/filegram/core/store"
	"github.com/filegram-io/filegram/core/users"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "reindex":
		runReindex(args)
	case "sweep":
		runSweep(args)
	case "stats":
		runStats(args)
	case "keygen":
		runKeygen(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: filegramctl <command> [flags]

commands:
  reindex   rebuild the keyword index from the store catalog
  sweep     expire stale delivery artifacts and remove orphan temp dirs
  stats     print store, index and user totals
  keygen    generate a new token signing key`)
}

func runReindex(args []string) {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	cursor := fs.Int64("cursor", -1, "reference to scan from; -1 resumes the persisted cursor, 0 rescans everything")
	reset := fs.Bool("reset", false, "drop the persisted cursor before scanning")
	batch := fs.Int("batch", 0, "catalog scan batch size (default from limits config)")
	fs.Parse(args)

	cfg := config.Load()
	limits, _ := config.LoadLimits(cfg.LimitsPath)
	if *batch <= 0 {
		*batch = limits.Index.ReindexBatch
	}

	catalog := newCatalog(cfg)
	defer catalog.Close()

	engine, err := index.NewEngine(cfg.RedisURL, index.NewNormalizer(limits.Index.MinTokenLength, limits.Index.ExtraStopwords))
	check(err)
	defer engine.Close()

	ctx := context.Background()
	if *reset {
		check(engine.ResetCursor(ctx))
	}
	stats, err := engine.Reindex(ctx, catalog, *cursor, *batch)
	check(err)
	fmt.Printf("scanned=%d indexed=%d skipped=%d cursor=%d\n",
		stats.Scanned, stats.Indexed, stats.Skipped, stats.Cursor)
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	batch := fs.Int("batch", 0, "artifacts per sweep pass (default from limits config)")
	orphans := fs.Bool("orphans", false, "also remove session temp namespaces (only with the bot stopped)")
	fs.Parse(args)

	cfg := config.Load()
	limits, _ := config.LoadLimits(cfg.LimitsPath)
	if *batch <= 0 {
		*batch = limits.Delivery.SweepBatch
	}

	workflow, err := expiry.NewWorkflow(cfg.RedisURL, limits.ArtifactTTL(), limits.RequestWindow())
	check(err)
	defer workflow.Close()

	n, err := workflow.Sweep(context.Background(), *batch, nil)
	check(err)
	fmt.Printf("expired=%d\n", n)

	if *orphans {
		removed, err := sweepOrphanDirs(cfg.TempDir)
		check(err)
		fmt.Printf("orphans_removed=%d\n", removed)
	}
}

// sweepOrphanDirs removes every session namespace under the temp root.
// Safe only while no bot process is running.
func sweepOrphanDirs(tempDir string) (int, error) {
	entries, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "sess-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tempDir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	topN := fs.Int("top", 10, "number of most-downloaded entries to show")
	fs.Parse(args)

	cfg := config.Load()
	limits, _ := config.LoadLimits(cfg.LimitsPath)
	ctx := context.Background()

	catalog := newCatalog(cfg)
	defer catalog.Close()
	count, size, err := catalog.Totals(ctx)
	check(err)
	fmt.Printf("items=%d bytes=%d\n", count, size)

	userStore, err := users.NewStore(cfg.RedisURL)
	check(err)
	defer userStore.Close()
	total, banned, err := userStore.Totals(ctx)
	check(err)
	fmt.Printf("users=%d banned=%d\n", total, banned)

	engine, err := index.NewEngine(cfg.RedisURL, index.NewNormalizer(limits.Index.MinTokenLength, limits.Index.ExtraStopwords))
	check(err)
	defer engine.Close()
	top, err := engine.TopN(ctx, *topN)
	check(err)
	for i, entry := range top {
		fmt.Printf("%2d. %s downloads=%d ref=%d\n", i+1, entry.DisplayName, entry.DownloadCount, entry.Reference)
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	id := fs.String("id", "", "key id to print in the snippet (required)")
	fs.Parse(args)
	if *id == "" {
		fail("key id required, e.g. -id k2")
	}
	if strings.ContainsRune(*id, '.') {
		fail("key id must not contain '.'")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fail(err.Error())
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)
	fmt.Printf(`# add under keys: in the signing key file; switch primary
# only after this build is deployed everywhere
keys:
  %s: %s
`, *id, encoded)
}

func newCatalog(cfg *config.Config) *store.Adapter {
	// the CLI never sends or fetches content, so the transport is inert
	catalog, err := store.NewAdapter(cfg.RedisURL, cfg.StoreChannel, store.NewInMemoryTransport())
	check(err)
	return catalog
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "error:", msg)
	os.Exit(1)
}
