package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"visco/config"
	"visco/internal/controller"
	"visco/internal/db"
	"visco/internal/health"
	"visco/internal/logs"
	"visco/internal/metrics"
	"visco/internal/middleware"
	"visco/internal/repo"
	"visco/internal/tunnels"
	"visco/internal/vpn/wgsync"
	"visco/internal/vpn/wireguard"
	"visco/internal/wgapi"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	tunnels    *tunnels.Manager
	reconciler *controller.Reconciler

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg
	wg := cfg.WireGuard

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		logs.Logger.Fatalf("db open failed: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		logs.Logger.Fatalf("db migrate failed: %v", err)
	}
	a.db = d

	/* 3) Туннели */
	alloc, err := wireguard.NewAllocator(wg.Subnet, wg.ServerIP, wg.ClientStartIP)
	if err != nil {
		logs.Logger.Fatalf("wireguard subnet: %v", err)
	}
	helper := wgsync.New(wgsync.Options{
		HelperPath:    wg.HelperPath,
		Sudo:          wg.HelperSudo,
		Timeout:       wg.HelperTimeout,
		Interface:     wg.Interface,
		WGBinary:      wg.WGBinary,
		StatusTimeout: wg.StatusTimeout,
		StagingDir:    wg.StagingDir,
		MinFreeBytes:  wg.StagingMinFreeBytes,
	})
	store := repo.NewPeerStore(a.db)
	a.tunnels = tunnels.NewManager(store, helper, alloc, tunnels.Options{
		Server: wireguard.ServerParams{
			PublicKey:           wg.ServerPublicKey,
			Endpoint:            wg.ServerEndpoint,
			AllowedIPs:          wg.AllowedIPs,
			PersistentKeepalive: wg.PersistentKeepalive,
		},
		PeerTTL: wg.PeerTTL,
	})
	a.reconciler = controller.NewReconciler(store, controller.WGCtrlLister{Interface: wg.Interface}, helper, wg.ReconcileRepair)

	logs.With(logrus.Fields{
		"subnet":    alloc.Subnet().String(),
		"server_ip": alloc.ServerIP().String(),
		"interface": wg.Interface,
		"helper":    wg.HelperPath,
	}).Info("wireguard tunnels configured")

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health + metrics */
	health.RegisterRoutes(a.Router, health.DBCheck(a.db))
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	/* 6) WireGuard API */
	wgapi.RegisterRoutes(a.Router, a.cfg.API.Token, a.tunnels, newTenantDirectory(a.cfg.Tenants.Allowed))

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
}

// startWorkers — периодический отзыв истёкших и сверка с демоном.
func (a *App) startWorkers(ctx context.Context, wg *sync.WaitGroup) {
	cfg := a.cfg.WireGuard

	if cfg.PeerTTL > 0 && cfg.ExpirySweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.ExpirySweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					n, err := a.tunnels.RevokeExpired(ctx)
					if err != nil {
						logs.Logger.WithError(err).Warn("expiry sweep failed")
						continue
					}
					if n > 0 {
						logs.Logger.WithField("revoked", n).Info("expired peers revoked")
					}
				}
			}
		}()
	}

	if cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reconciler.Run(ctx, cfg.ReconcileInterval)
		}()
	}

	// начальные значения gauge'ей
	if _, err := a.tunnels.Capacity(ctx); err != nil {
		logs.Logger.WithError(err).Warn("initial capacity snapshot failed")
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	var workers sync.WaitGroup
	a.startWorkers(a.ctx, &workers)

	// WriteTimeout больше таймаута helper'а, иначе ответ на provision обрежется
	writeTimeout := a.cfg.WireGuard.HelperTimeout + 15*time.Second
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			a.cancel()
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	workers.Wait()

	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
