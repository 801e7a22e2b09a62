package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"yuzu/companion/internal/api"
	"yuzu/companion/internal/config"
	"yuzu/companion/internal/health"
	"yuzu/companion/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion: HTTP control surface, device websocket and gRPC health",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("readiness-interval")
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), interval)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("readiness-interval", time.Minute, "How often provider readiness is re-checked")
}

func runServe(parent context.Context, interval time.Duration) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	h := api.NewHandlers(e.controller, e.guardian, api.Options{
		Device:        e.bridge.HandleWS,
		Connected:     e.bridge.Connected,
		ParentSecret:  cfg.Parent.TokenSecret,
		TokenSkewSecs: cfg.Parent.TokenSkewSecs,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.LogMiddleware(api.NewRouter(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// gRPC server with keepalive for fast death detection
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 2 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("grpc health listening on %s", lis.Addr())
		return gs.Serve(lis)
	})
	g.Go(func() error {
		watchReadiness(gctx, cfg, e.store, hs, interval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received; stopping server...")
		hs.Shutdown()
		// Stop any turn in progress before draining HTTP
		e.controller.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		gs.GracefulStop()
		return err
	})
	return g.Wait()
}

// watchReadiness mirrors the provider checks into the gRPC health service until ctx ends.
func watchReadiness(ctx context.Context, cfg config.Config, st store.Store, hs *grpchealth.Server, interval time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		status := health.CheckAll(cctx, cfg, st)
		for _, c := range status.Checks {
			hs.SetServingStatus("companion."+c.Name, servingStatus(c.OK))
		}
		hs.SetServingStatus("", servingStatus(status.OK))
		if !status.OK {
			log.Printf("[health] not ready:\n%s", status)
		}
	}
	check()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
