// Command kiro-bridge runs the Anthropic-dialect proxy in front of the Kiro
// upstream: it loads configuration, hydrates the account pool, and serves
// the client and admin HTTP surfaces until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
	"github.com/kiro-proxy/anthropic-bridge/internal/config"
	"github.com/kiro-proxy/anthropic-bridge/internal/dispatcher"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/pool"
	"github.com/kiro-proxy/anthropic-bridge/internal/server"
	"github.com/kiro-proxy/anthropic-bridge/internal/tokenrefresh"
	"github.com/kiro-proxy/anthropic-bridge/internal/version"
)

func main() {
	configFile := flag.String("config", "", "path to an optional YAML config file")
	strategyFlag := flag.String("strategy", "round_robin", "account selection strategy")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kiro-bridge %s\n", version.String())
		return
	}

	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	client := kiroclient.New()
	refresher := tokenrefresh.New()
	checker := kiroclient.PoolQuotaChecker{Client: client}

	strategy := pool.Strategy(*strategyFlag)
	if !strategy.Valid() {
		strategy = pool.RoundRobin
	}
	p := pool.New(strategy, checker)

	if cfg.PoolMode {
		if err := p.LoadFromDir(cfg.DataDir, refresher); err != nil {
			log.WithError(err).Fatal("load account pool")
		}
	} else {
		if cfg.RefreshToken == "" {
			log.Fatal("pool mode disabled but no refresh_token configured")
		}
		method := account.Social
		if cfg.AuthMethod == string(account.IdC) {
			method = account.IdC
		}
		a := account.New("default", method, cfg.RefreshToken, refresher, nil)
		a.ClientID = cfg.ClientID
		a.ClientSecret = cfg.ClientSecret
		a.Region = cfg.Region
		p.Add(a)
	}

	log.WithField("accounts", p.Len()).WithField("strategy", string(p.Strategy())).Info("kiro-bridge: account pool ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartScanners(ctx)

	disp := dispatcher.New(p, client)
	router := server.New(cfg.APIKey, disp, p, client, refresher)

	addr := cfg.Host + ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("kiro-bridge: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("kiro-bridge: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}

	cancel()
	p.Stop()
}
