package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/splatseq/internal/config"
	"github.com/banshee-data/splatseq/internal/control"
	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/jobdb"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/security"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

var serveLogf = monitoring.Tagged("Serve")

type serveOptions struct {
	httpListen string
	grpcListen string
	dbPath     string
	load       string
	synthetic  bool
	autoLoad   bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the player and conversion queue behind HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if o.httpListen != "" {
				cfg.HTTPListen = &o.httpListen
			}
			if o.grpcListen != "" {
				cfg.GRPCListen = &o.grpcListen
			}
			if o.dbPath != "" {
				cfg.DBPath = &o.dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.httpListen, "listen", "", "HTTP listen address (default from config)")
	f.StringVar(&o.grpcListen, "grpc-listen", "", "gRPC listen address, \"off\" to disable (default from config)")
	f.StringVar(&o.dbPath, "db", "", "job history database (default from config)")
	f.StringVar(&o.load, "load", "", "sequence directory to load at startup")
	f.BoolVar(&o.synthetic, "synthetic", false, "use the built-in synthetic generator instead of the model")
	f.BoolVar(&o.autoLoad, "auto-load", true, "load each successful conversion into the player")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, o *serveOptions) error {
	fsys := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}

	pl, err := newPipeline(cfg, fsys, clock)
	if err != nil {
		return err
	}
	db, err := jobdb.Open(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("opening job history: %w", err)
	}
	defer db.Close()

	policy, err := parsePolicy(cfg, false)
	if err != nil {
		return err
	}
	var onSuccess func(string, conversion.Result)
	if o.autoLoad {
		onSuccess = func(id string, res conversion.Result) {
			lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if _, err := pl.player.LoadDir(lctx, res.OutputDir); err != nil {
				serveLogf("job %s: loading %s: %v", id, res.OutputDir, err)
			}
		}
	}
	runner, err := conversion.NewRunner(conversion.Options{
		FS:            fsys,
		Inference:     newInference(cfg, fsys, o.synthetic, 0),
		History:       db,
		Clock:         clock,
		QueueSize:     cfg.GetJobQueueSize(),
		DefaultPolicy: policy,
		OnSuccess:     onSuccess,
	})
	if err != nil {
		return err
	}

	roots := security.Roots(cfg.GetMediaRoots())
	srv, err := control.NewServer(control.Options{
		Player:  pl.player,
		Jobs:    runner,
		Cache:   pl.cache,
		History: db,
		Roots:   roots,
	})
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	if err := db.AttachAdminRoutes(mux); err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.GetHTTPListen(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if addr := cfg.GetGRPCListen(); addr != config.ListenOff {
		grpcLis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		control.RegisterGRPC(grpcSrv, control.NewGRPCServer(srv))
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return pl.player.Run(ctx) })
	eg.Go(func() error { return runner.Run(ctx) })
	eg.Go(func() error {
		serveLogf("HTTP listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		eg.Go(func() error {
			serveLogf("gRPC listening on %s", grpcLis.Addr())
			return grpcSrv.Serve(grpcLis)
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	if o.load != "" {
		eg.Go(func() error {
			dir, err := resolveRoot(roots, o.load)
			if err != nil {
				return err
			}
			seq, err := pl.player.LoadDir(ctx, dir)
			if err != nil {
				serveLogf("loading %s: %v", dir, err)
				return nil
			}
			serveLogf("loaded %s: %d frames", seq.Dir, seq.Len())
			return nil
		})
	}

	err = eg.Wait()
	pl.cache.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func resolveRoot(roots security.Roots, path string) (string, error) {
	if len(roots) == 0 {
		return path, nil
	}
	return roots.Resolve(path)
}
