package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"tenantgate.org/internal/config"
	"tenantgate.org/internal/dispatch"
	"tenantgate.org/internal/guard"
	"tenantgate.org/internal/httpapi"
	"tenantgate.org/internal/identity"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
	"tenantgate.org/internal/stream"
	"tenantgate.org/internal/tokenstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	kv, db, err := openStore(context.Background(), cfg.Store)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	upstream, err := url.Parse(cfg.APIURL)
	if err != nil {
		log.Fatalf("invalid CONSOLE_API_URL: %v", err)
	}

	events := stream.New()
	idp := identity.NewClient(cfg.IdentityURL, identity.WithTimeout(cfg.CallTimeout))
	sess := session.New(tokenstore.New(kv), idp,
		session.WithCallTimeout(cfg.CallTimeout),
		session.WithEvents(events),
	)
	ready := httpapi.ReadyProbe{DB: db, Session: sess}

	api := httpapi.New(httpapi.Options{
		Session:    sess,
		Guard:      guard.New(guard.DefaultRoutes),
		Upstream:   upstream,
		Transport:  dispatch.NewTransport(sess),
		Events:     events,
		Ready:      ready,
		Version:    version,
		Origins:    cfg.AllowedOrigins,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcSrv, httpapi.NewGRPCServer(ready))
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", cfg.GRPCAddr)
	}

	// Resolve the stored credential before serving so the first route
	// decision is not Loading for longer than necessary.
	go func() {
		state := sess.Start(context.Background())
		obs.Info("session resolved", map[string]any{"session_id": sess.ID(), "state": state.String()})
	}()

	log.Printf("Starting consoled %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func openStore(ctx context.Context, sc config.StoreConfig) (tokenstore.KV, *sql.DB, error) {
	switch sc.Kind {
	case config.StoreMemory:
		return tokenstore.NewMemory(), nil, nil
	case config.StoreFile:
		path := sc.Path
		if path == "" {
			var err error
			if path, err = tokenstore.DefaultPath(); err != nil {
				return nil, nil, err
			}
		}
		return tokenstore.NewFile(afero.NewOsFs(), path, sc.Profile), nil, nil
	case config.StorePostgres:
		db, err := tokenstore.OpenPostgres(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		pg := tokenstore.NewPostgres(db, sc.Profile)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pg, db, nil
	default:
		return nil, nil, errors.New("unknown store kind " + string(sc.Kind))
	}
}
