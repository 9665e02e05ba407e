// Command kiro-gateway runs the local HTTP gateway: OpenAI and Anthropic
// compatible endpoints in front of a pool of Kiro accounts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"

	"github.com/kirolink/kiro-gateway/internal/api"
	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/logging"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/runtime/executor"
	"github.com/kirolink/kiro-gateway/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	openPortal := flag.Bool("open", false, "open the admin portal in the default browser after start")
	flag.Parse()

	// A missing .env is fine; values it does carry land in the process
	// environment before the config reads its overrides.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiro-gateway: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "kiro-gateway: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateKiroTokenFiles(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authDir, err := cfg.ResolveAuthDir()
	if err != nil {
		log.Fatalf("resolve auth dir: %v", err)
	}
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		log.Fatalf("create auth dir %s: %v", authDir, err)
	}

	var accounts store.AccountStore
	var fileStore *store.FileStore
	if cfg.RedisEnabled() {
		redisStore, err := store.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			log.Fatalf("redis store: %v", err)
		}
		defer redisStore.Close()
		accounts = redisStore
		log.Infof("account store: redis at %s", cfg.Redis.Addr)
	} else {
		fileStore, err = store.NewFileStore(authDir)
		if err != nil {
			log.Fatalf("file store: %v", err)
		}
		if err := fileStore.Load(); err != nil {
			log.Fatalf("load accounts from %s: %v", authDir, err)
		}
		accounts = fileStore
		log.Infof("account store: %s", authDir)
	}

	onUpdate := func(id string, token *kiroauth.KiroTokenStorage) {
		importAccount(ctx, accounts, id, "", token)
	}
	onRemove := func(id string) {
		if err := accounts.Delete(ctx, id); err != nil {
			log.Warnf("retire account %s: %v", id, err)
		}
	}
	if fileStore != nil {
		onUpdate = fileStore.ImportToken
		onRemove = fileStore.Retire
	}
	watcher, err := kiroauth.NewTokenWatcher(authDir, onUpdate, onRemove)
	if err != nil {
		log.Warnf("auth-dir watcher disabled: %v", err)
	} else {
		// The file store read the directory itself; the redis store seeds
		// from whatever token files sit in the drop directory.
		if fileStore == nil {
			if err := watcher.Scan(); err != nil {
				log.Warnf("auth-dir scan: %v", err)
			}
		}
		watcher.Start(ctx)
	}

	importConfiguredTokens(ctx, cfg, authDir, accounts)

	exec := executor.NewKiroExecutor(cfg, accounts)
	refresher := kiroauth.NewBackgroundRefresher(exec.Auth(), store.RefreshSource{Store: accounts},
		kiroauth.WithLead(cfg.NearExpiryLead()))
	refresher.Start(ctx)

	dispatcher := pool.New(cfg, accounts, exec)
	server := api.NewServer(cfg, accounts, dispatcher, exec)

	cfgWatcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		if next.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		dispatcher.ApplyConfig(next)
		server.ApplyConfig(next)
	})
	if err != nil {
		log.Warnf("config watcher disabled: %v", err)
	} else {
		cfgWatcher.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	if *openPortal {
		go openAdminPortal(cfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Errorf("server: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warnf("%v", err)
	}
	refresher.Stop()
	log.Info("kiro-gateway stopped")
}

// importConfiguredTokens registers the token files named in the config on
// top of whatever the auth-dir scan found.
func importConfiguredTokens(ctx context.Context, cfg *config.Config, authDir string, accounts store.AccountStore) {
	for _, entry := range cfg.KiroTokenFiles {
		path, err := entry.ResolvePath(authDir)
		if err != nil {
			log.Warnf("kiro token file: %v", err)
			continue
		}
		token, err := kiroauth.LoadTokenFromFile(path)
		if err != nil {
			log.Warnf("kiro token file %s: %v", path, err)
			continue
		}
		if strings.TrimSpace(token.RefreshToken) == "" {
			log.Warnf("kiro token file %s: missing refreshToken", path)
			continue
		}
		if strings.TrimSpace(token.Region) == "" {
			token.Region = entry.Region
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		importAccount(ctx, accounts, id, entry.Label, token)
	}
}

// importAccount upserts imported credentials without losing the account's
// status and usage annotations.
func importAccount(ctx context.Context, accounts store.AccountStore, id, label string, token *kiroauth.KiroTokenStorage) {
	account, err := accounts.Get(ctx, id)
	switch {
	case err == nil:
		account.Token = token
		if label != "" {
			account.Label = label
		}
	case errors.Is(err, store.ErrNotFound):
		account = store.NewAccount(id, token)
		account.Label = label
	default:
		log.Warnf("import account %s: %v", id, err)
		return
	}
	if err := accounts.Save(ctx, account); err != nil {
		log.Warnf("import account %s: %v", id, err)
		return
	}
	log.Infof("imported account %s", id)
}

// openAdminPortal opens the default browser on the admin page once the
// listener answers. A plaintext API key rides along as the portal's query
// credential; bcrypt-hashed keys cannot, so the portal is opened bare.
func openAdminPortal(cfg *config.Config) {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	portalURL := "http://" + hostPort + "/admin"
	for _, key := range cfg.APIKeys {
		if !strings.HasPrefix(key, "$2") {
			portalURL += "?key=" + url.QueryEscape(key)
			break
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", hostPort, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			if err := open.Run(portalURL); err != nil {
				log.Warnf("open portal: %v", err)
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Warn("open portal: server did not start listening")
}
