// zoneimport seeds the registry's domain table from a DNS zone file, giving
// the classifier real registered-domain data on a fresh deployment. It reads
// the delegations (NS records) of a TLD zone and inserts the second-level
// domains they name.
package main

import (
	"compress/gzip"
	"context"
	"flag"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/config"
	"github.com/yourorg/blocksync/internal/normalize"
	"github.com/yourorg/blocksync/internal/registry"
	"github.com/yourorg/blocksync/internal/storage"
)

func main() {
	var (
		zoneURI    = flag.String("zone", "", "zone file: file://, s3://, a plain path, or - for stdin")
		tld        = flag.String("tld", "", "TLD the zone belongs to")
		configPath = flag.String("config", "", "syncd TOML config; DATABASE_URL works without one")
		dryRun     = flag.Bool("dry-run", false, "parse and count without writing to the registry")
	)
	flag.Parse()
	if *zoneURI == "" || *tld == "" {
		flag.Usage()
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	level := "info"
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("load config: ", err)
		}
		dbURL = cfg.Database.URL
		level = cfg.Logging.Level
	}
	if dbURL == "" && !*dryRun {
		log.Fatal("DATABASE_URL or -config is required")
	}

	zl := newZap(level)
	defer zl.Sync()
	ctx := context.Background()

	labels, stats, err := parseZone(ctx, *zoneURI, *tld)
	if err != nil {
		zl.Fatal("parse zone", zap.Error(err))
	}
	zl.Info("zone parsed",
		zap.String("zone", *zoneURI),
		zap.String("tld", *tld),
		zap.Int("records", stats.records),
		zap.Int("delegations", stats.delegations),
		zap.Int("skipped", stats.skipped),
		zap.Int("labels", len(labels)))

	if *dryRun {
		zl.Info("dry run, nothing written")
		return
	}

	pool, err := registry.Connect(ctx, dbURL, 4)
	if err != nil {
		zl.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	n, err := registry.NewStore(pool).CopyDomains(ctx, *tld, labels)
	if err != nil {
		zl.Fatal("import domains", zap.Error(err))
	}
	zl.Info("domains imported",
		zap.String("tld", *tld),
		zap.Int64("inserted", n),
		zap.Int64("alreadyPresent", int64(len(labels))-n))
}

type zoneStats struct {
	records     int
	delegations int
	skipped     int
}

// parseZone streams the zone and returns the unique, canonicalized
// second-level labels delegated under tld, sorted. Owner names at the apex,
// deeper than second level, or failing IDNA canonicalization are counted as
// skipped; glue and non-NS records are ignored.
func parseZone(ctx context.Context, uri, tld string) ([]string, zoneStats, error) {
	var stats zoneStats

	var rc io.ReadCloser
	if uri == "-" {
		rc = os.Stdin
	} else {
		var err error
		rc, err = storage.OpenURI(ctx, uri)
		if err != nil {
			return nil, stats, err
		}
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(strings.ToLower(uri), ".gz") {
		gr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, stats, err
		}
		defer gr.Close()
		r = gr
	}

	seen := make(map[string]struct{})
	zp := dns.NewZoneParser(r, dns.Fqdn(tld), uri)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		stats.records++
		h := rr.Header()
		if h.Rrtype != dns.TypeNS {
			continue
		}
		stats.delegations++
		label, err := normalize.SecondLevelLabel(h.Name, tld)
		if err != nil {
			stats.skipped++
			continue
		}
		seen[label] = struct{}{}
	}
	if err := zp.Err(); err != nil {
		return nil, stats, err
	}

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels, stats, nil
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatal("logger: ", err)
	}
	return logger
}
