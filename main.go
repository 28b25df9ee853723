package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/crypto/acme/autocert"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/log"
	"github.com/hooktrap/hooktrap/store"
)

var configFile = flag.String("config", "testdata/hooktrap.yml", "Configuration filename")

func main() {
	flag.Parse()

	log.Infof("Loading config: %s", *configFile)
	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalf("cannot load config %q: %s", *configFile, err)
	}
	log.SetDebug(cfg.LogDebug)
	log.Infof("Loading config %q: successful", *configFile)

	st, err := store.New(cfg.Storage)
	if err != nil {
		log.Fatalf("cannot open storage: %s", err)
	}

	g, err := newGateway(cfg, st)
	if err != nil {
		log.Fatalf("cannot start gateway: %s", err)
	}

	w := newWatcher(g, *configFile, st)
	w.Start()

	// SIGHUP re-reads the config file regardless of the reload source
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Infof("SIGHUP received. Going to reload config %s ...", *configFile)
			cfg, err := config.LoadFile(*configFile)
			if err != nil {
				log.Errorf("error while reloading config: %s", err)
				continue
			}
			g.applyConfig(cfg)
			log.Infof("Reloading config %s: successful", *configFile)
		}
	}()

	handler := g.newRouter()

	var servers []*http.Server
	if len(cfg.ListenTLSAddr) != 0 {
		servers = append(servers, serveTLS(cfg, handler))
	}
	if len(cfg.ListenAddr) != 0 {
		servers = append(servers, serve(cfg, handler))
	}
	if len(servers) == 0 {
		panic("BUG: broken config validation - `listen_addr` is not configured")
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf("cannot notify systemd: %s", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Infof("%s received, shutting down", sig)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debugf("cannot notify systemd: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Errorf("forcing server close: %s", err)
			_ = s.Close()
		}
	}

	_ = w.Close()
	g.close()
	log.Infof("shutdown complete")
}

func serve(cfg *config.Config, h http.Handler) *http.Server {
	s := newServer(cfg, h)
	go func() {
		ln, err := net.Listen("tcp4", cfg.ListenAddr)
		if err != nil {
			log.Fatalf("cannot listen for %q: %s", cfg.ListenAddr, err)
		}
		log.Infof("Serving http on %q", cfg.ListenAddr)
		if err := s.Serve(ln); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error on %q: %s", cfg.ListenAddr, err)
		}
	}()
	return s
}

func serveTLS(cfg *config.Config, h http.Handler) *http.Server {
	s := newServer(cfg, h)
	go func() {
		ln, err := net.Listen("tcp4", cfg.ListenTLSAddr)
		if err != nil {
			log.Fatalf("cannot listen for %q: %s", cfg.ListenTLSAddr, err)
		}
		tln := tls.NewListener(ln, newTLSConfig(cfg))
		log.Infof("Serving https on %q", cfg.ListenTLSAddr)
		if err := s.Serve(tln); err != http.ErrServerClosed {
			log.Fatalf("TLS server error on %q: %s", cfg.ListenTLSAddr, err)
		}
	}()
	return s
}

func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		Handler:      h,
		ReadTimeout:  time.Duration(cfg.ReadTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
		IdleTimeout:  time.Duration(cfg.IdleTimeout),
		ErrorLog:     log.ErrorLogger,
	}
}

func newTLSConfig(cfg *config.Config) *tls.Config {
	tlsCfg := tls.Config{
		PreferServerCipherSuites: true,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
	}

	if len(cfg.CertCacheDir) > 0 {
		if err := os.MkdirAll(cfg.CertCacheDir, 0700); err != nil {
			log.Fatalf("error while creating folder %q: %s", cfg.CertCacheDir, err)
		}
	}
	var hp autocert.HostPolicy
	if len(cfg.AutocertHosts) != 0 {
		allowedHosts := make(map[string]struct{}, len(cfg.AutocertHosts))
		for _, v := range cfg.AutocertHosts {
			allowedHosts[v] = struct{}{}
		}
		hp = func(_ context.Context, host string) error {
			if _, ok := allowedHosts[host]; ok {
				return nil
			}
			return fmt.Errorf("host %q doesn't match `autocert_hosts` configuration", host)
		}
	}
	m := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cfg.CertCacheDir),
		HostPolicy: hp,
	}
	tlsCfg.GetCertificate = m.GetCertificate
	return &tlsCfg
}
