// Command blobcache stores and fetches content-addressed records through a
// local write-back cache in front of a filesystem or bbolt blob store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
	"github.com/wolfeidau/blobcache/datastore"
	"github.com/wolfeidau/blobcache/telemetry"
	"go.opentelemetry.io/otel"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Path        string        `help:"Cache directory holding staged and downloaded records." default:"./blobcache" type:"path"`
	Backend     string        `help:"Blob store type." enum:"fs,bolt" default:"fs"`
	BackendPath string        `help:"Blob store location: a directory for fs, a file for bolt." default:"./blobcache-store" type:"path"`
	BoltTimeout time.Duration `help:"How long to wait for the bolt file lock." default:"1s"`
	BoltNoSync  bool          `help:"Skip fsync on bolt commits. Faster, loses writes on power failure."`

	CacheSize         int64         `help:"Total cache size in bytes. 0 disables caching." default:"68719476736"`
	StagingSplit      int           `help:"Percentage of the cache reserved for staged writes. 0 uploads before returning." default:"10"`
	UploadConcurrency int           `help:"Maximum concurrent uploads." default:"10"`
	UploadRetries     int           `help:"Upload attempts after the first. Negative disables retries." default:"5"`
	UploadTimeout     time.Duration `help:"Timeout for a single upload attempt. 0 disables." default:"0s"`
	ReadTimeout       time.Duration `help:"Timeout for a read from the blob store. 0 disables." default:"0s"`
	DrainTimeout      time.Duration `help:"How long to wait for uploads on exit before leaving them staged." default:"30s"`

	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string `help:"Log format." enum:"tint,text,json" default:"tint"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (e.g. localhost:4317)." name:"otlp-endpoint"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Put     PutCmd     `cmd:"" help:"Add records from files or stdin and print their identifiers."`
	Get     GetCmd     `cmd:"" help:"Write a record to stdout or a file."`
	Exists  ExistsCmd  `cmd:"" help:"Report whether records are stored."`
	Rm      RmCmd      `cmd:"" help:"Delete records from the cache and the blob store."`
	Ls      LsCmd      `cmd:"" help:"List every stored identifier."`
	Stat    StatCmd    `cmd:"" help:"Show cache usage and run the remove job."`
	Serve   ServeCmd   `cmd:"" help:"Keep uploading and reconciling staged records until interrupted."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("blobcache"),
		kong.Description("Local write-back cache in front of a content-addressed blob store."),
		kong.UsageOnError(),
		kong.DefaultEnvars("BLOBCACHE"),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// session is an open data store plus what has to be released with it.
type session struct {
	ds      *datastore.DataStore
	logger  *slog.Logger
	closers []func(context.Context) error
	drain   time.Duration
}

func (g *Globals) open(ctx context.Context, opts ...func(*datastore.Config)) (*session, error) {
	logger, err := newLogger(os.Stderr, g.LogLevel, g.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	s := &session{logger: logger, drain: g.DrainTimeout}

	var kv backend.Backend
	switch g.Backend {
	case "fs":
		fsb, err := backend.NewFilesystem(g.BackendPath)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		kv = fsb
	case "bolt":
		bb, err := backend.OpenBolt(g.BackendPath,
			backend.WithBoltTimeout(g.BoltTimeout),
			backend.WithBoltNoSync(g.BoltNoSync),
		)
		if err != nil {
			return nil, fmt.Errorf("opening bolt backend: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return bb.Close() })
		kv = bb
	default:
		return nil, fmt.Errorf("unknown backend: %s", g.Backend)
	}

	cfg := datastore.DefaultConfig(g.Path)
	cfg.CacheSize = g.CacheSize
	cfg.StagingSplitPercentage = g.StagingSplit
	cfg.UploadConcurrency = g.UploadConcurrency
	cfg.UploadRetries = g.UploadRetries
	cfg.UploadTimeout = g.UploadTimeout
	cfg.ReadTimeout = g.ReadTimeout
	cfg.RemoveInterval = -1
	cfg.Logger = logger
	cfg.Meter = otel.GetMeterProvider().Meter("github.com/wolfeidau/blobcache/store/gc")
	for _, opt := range opts {
		opt(&cfg)
	}

	blobs := backend.NewBlobs(backend.NewInstrumentedBackend(kv, g.Backend))
	ds, err := datastore.Open(ctx, blobs, cfg)
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("opening datastore: %w", err)
	}
	s.ds = ds
	return s, nil
}

// initMetrics must run before open so that the gc meter is live.
func (g *Globals) initMetrics(ctx context.Context, prometheus bool) (func(context.Context) error, error) {
	if g.OTLPEndpoint == "" && !prometheus {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "blobcache",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: prometheus,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising metrics: %w", err)
	}
	return shutdown, nil
}

// close drains uploads for up to the drain timeout, then releases the
// backend.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()

	var errs []error
	if s.ds != nil {
		if err := s.ds.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Globals) withSession(prometheus bool, fn func(ctx context.Context, s *session) error, opts ...func(*datastore.Config)) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := g.initMetrics(ctx, prometheus)
	if err != nil {
		return err
	}
	defer func() {
		if serr := shutdownMetrics(context.Background()); serr != nil && err == nil {
			err = serr
		}
	}()

	s, err := g.open(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(ctx, s)
}

// PutCmd adds records.
type PutCmd struct {
	Files []string `arg:"" optional:"" type:"existingfile" help:"Files to add. Reads stdin when none are given."`
	Sync  bool     `help:"Wait for the blob store to confirm each write."`
}

func (c *PutCmd) Run(g *Globals) error {
	mode := datastore.UploadAsynchronous
	if c.Sync {
		mode = datastore.UploadSynchronous
	}

	return g.withSession(false, func(ctx context.Context, s *session) error {
		add := func(name string, r io.Reader) error {
			rec, err := s.ds.AddRecord(ctx, r, datastore.WithUpload(mode))
			if err != nil {
				return fmt.Errorf("adding %s: %w", name, err)
			}
			fmt.Printf("%s\t%d\t%s\n", rec.ID, rec.Size, name)
			return nil
		}

		if len(c.Files) == 0 {
			return add("-", os.Stdin)
		}
		for _, name := range c.Files {
			f, err := os.Open(name)
			if err != nil {
				return fmt.Errorf("opening %s: %w", name, err)
			}
			err = add(name, f)
			_ = f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCmd writes a record out.
type GetCmd struct {
	ID     string `arg:"" help:"Record identifier."`
	Output string `short:"o" type:"path" help:"Write to this file instead of stdout."`
}

func (c *GetCmd) Run(g *Globals) error {
	id, err := blobcache.ParseIdentifier(c.ID)
	if err != nil {
		return err
	}

	return g.withSession(false, func(ctx context.Context, s *session) error {
		rec, err := s.ds.GetRecordIfStored(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("record %s not found", id)
		}

		rc, err := rec.Open(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()

		if c.Output == "" {
			_, err = io.Copy(os.Stdout, rc)
			return err
		}

		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", c.Output, err)
		}
		if _, err := io.Copy(f, rc); err != nil {
			_ = f.Close()
			_ = os.Remove(c.Output)
			return fmt.Errorf("writing %s: %w", c.Output, err)
		}
		return f.Close()
	})
}

// ExistsCmd checks identifiers.
type ExistsCmd struct {
	IDs []string `arg:"" name:"id" help:"Record identifiers."`
}

func (c *ExistsCmd) Run(g *Globals) error {
	ids, err := parseIdentifiers(c.IDs)
	if err != nil {
		return err
	}

	return g.withSession(false, func(ctx context.Context, s *session) error {
		missing := 0
		for _, id := range ids {
			ok, err := s.ds.Exists(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				missing++
			}
			fmt.Printf("%s\t%t\n", id, ok)
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d records not found", missing, len(ids))
		}
		return nil
	})
}

// RmCmd deletes identifiers.
type RmCmd struct {
	IDs []string `arg:"" name:"id" help:"Record identifiers."`
}

func (c *RmCmd) Run(g *Globals) error {
	ids, err := parseIdentifiers(c.IDs)
	if err != nil {
		return err
	}

	return g.withSession(false, func(ctx context.Context, s *session) error {
		for _, id := range ids {
			if err := s.ds.DeleteRecord(ctx, id); err != nil {
				return err
			}
			s.logger.Info("record deleted", "id", id.Short())
		}
		return nil
	})
}

// LsCmd lists identifiers.
type LsCmd struct{}

func (c *LsCmd) Run(g *Globals) error {
	return g.withSession(false, func(ctx context.Context, s *session) error {
		for id, err := range s.ds.AllIdentifiers(ctx) {
			if err != nil {
				return err
			}
			fmt.Println(id)
		}
		return nil
	})
}

// StatCmd prints usage.
type StatCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c *StatCmd) Run(g *Globals) error {
	return g.withSession(false, func(ctx context.Context, s *session) error {
		result, err := s.ds.RemoveJob(ctx)
		if err != nil {
			return err
		}
		stats := s.ds.Stats()

		if c.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"staging":         stats.Staging,
				"download":        stats.Download,
				"pending_uploads": stats.PendingUploads,
				"remove_job":      result,
			})
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIER\tENTRIES\tBYTES\tCAPACITY")
		fmt.Fprintf(tw, "staging\t%d\t%d\t%d\n", stats.Staging.Entries, stats.Staging.Bytes, stats.Staging.Capacity)
		fmt.Fprintf(tw, "download\t%d\t%d\t%d\n", stats.Download.Entries, stats.Download.Bytes, stats.Download.Capacity)
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Printf("\npending uploads: %d\nreleased from staging: %d (%d bytes)\n",
			stats.PendingUploads, result.Evicted, result.BytesReclaimed)
		return nil
	})
}

// ServeCmd runs the remove job on a schedule and exposes metrics.
type ServeCmd struct {
	MetricsAddress string        `help:"Address for the Prometheus /metrics endpoint. Empty disables it." default:":9090"`
	RemoveInterval time.Duration `help:"How often to run the remove job." default:"1m"`
	RetryAfter     time.Duration `help:"How long a failed upload waits before it is retried." default:"30s"`
}

func (c *ServeCmd) Run(g *Globals) error {
	configure := func(cfg *datastore.Config) {
		cfg.RemoveInterval = c.RemoveInterval
		cfg.RetryAfter = c.RetryAfter
	}

	return g.withSession(c.MetricsAddress != "", func(ctx context.Context, s *session) error {
		var srv *http.Server
		errCh := make(chan error, 1)
		if c.MetricsAddress != "" {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", telemetry.PrometheusHandler())
			srv = &http.Server{
				Addr:              c.MetricsAddress,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
		}

		stats := s.ds.Stats()
		s.logger.Info("serving",
			"metrics_address", c.MetricsAddress,
			"remove_interval", c.RemoveInterval,
			"staged", stats.Staging.Entries,
			"pending_uploads", stats.PendingUploads,
		)

		var err error
		select {
		case <-ctx.Done():
			s.logger.Info("received signal, shutting down")
		case err = <-errCh:
		}

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
		}
		return err
	}, configure)
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func parseIdentifiers(args []string) ([]blobcache.Identifier, error) {
	ids := make([]blobcache.Identifier, 0, len(args))
	for _, arg := range args {
		id, err := blobcache.ParseIdentifier(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
