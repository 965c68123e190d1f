package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lunamail/syncd/internal/config"
	"github.com/lunamail/syncd/internal/db"
	"github.com/lunamail/syncd/internal/imap"
	"github.com/lunamail/syncd/internal/models"
	"github.com/lunamail/syncd/internal/registry"
	"github.com/lunamail/syncd/internal/store"
	syncer "github.com/lunamail/syncd/internal/sync"
	"github.com/lunamail/syncd/internal/vault"
)

func main() {
	register := flag.Bool("register", false, "register a new account from stdin, then exit")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	keychain := vault.NewKeychainStore(cfg.KeyringService, filepath.Join(cfg.DataDir, "keyring"))
	sessions := imap.NewSessions(cfg.DialTimeout)
	defer sessions.CloseAll()

	reg := registry.NewPostgresRegistry(pool)
	stores := store.NewManager(pool, cfg.DataDir)

	if *register {
		if err := registerAccount(ctx, keychain, reg, stores, sessions); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		return
	}

	orch, err := newOrchestrator(keychain, reg, stores, sessions, "")
	if err != nil {
		log.Fatalf("Failed to unlock vault: %v", err)
	}

	run(ctx, cfg, reg, orch)
}

// newOrchestrator unlocks the vault and wires the sync engine. Key
// derivation is slow on purpose and happens exactly once, here, before any
// server I/O starts.
func newOrchestrator(keychain *vault.KeychainStore, reg registry.Registry, stores *store.Manager, sessions *imap.Sessions, loginPassword string) (*syncer.Orchestrator, error) {
	passphrase, adopted, err := vault.Passphrase(keychain, loginPassword)
	if err != nil {
		return nil, err
	}
	if adopted {
		log.Printf("Stored a new vault passphrase in the keychain")
	}

	key, err := vault.DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}

	return syncer.NewOrchestrator(reg, stores, sessions, v), nil
}

// run is the daemon loop: one watcher per account reacting to server
// notifications, plus a full pass every sync interval.
func run(ctx context.Context, cfg *config.Config, reg registry.Registry, orch *syncer.Orchestrator) {
	log.Printf("syncd starting (environment: %s, interval: %s)", cfg.Environment, cfg.SyncInterval)

	accounts, err := reg.All(ctx)
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}
	if len(accounts) == 0 {
		log.Printf("No accounts registered; run with -register to add one")
	}

	for _, account := range accounts {
		go func(user string) {
			if err := orch.Watch(ctx, user, cfg.SyncInterval); err != nil && ctx.Err() == nil {
				log.Printf("Watcher for %s exited: %v", user, err)
			}
		}(account.User)
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		logReports(orch.SyncAll(ctx))

		select {
		case <-ctx.Done():
			log.Printf("Shutting down")
			return
		case <-ticker.C:
		}
	}
}

func logReports(reports []*syncer.Report) {
	for _, report := range reports {
		fetched := 0
		for _, f := range report.Folders {
			fetched += f.Fetched
			if f.Err != nil {
				log.Printf("Sync of %s folder %s failed: %v", report.Account, f.Path, f.Err)
			}
		}
		log.Printf("Synced %s: %d new messages, %d threads", report.Account, fetched, report.Threads)
	}
}

// registerAccount reads account details from stdin and verifies them
// against the server before anything is persisted. The first registered
// account's password seeds the vault passphrase.
func registerAccount(ctx context.Context, keychain *vault.KeychainStore, reg registry.Registry, stores *store.Manager, sessions *imap.Sessions) error {
	r := bufio.NewReader(os.Stdin)

	user, err := prompt(r, "Account identifier (email)")
	if err != nil {
		return err
	}
	host, err := prompt(r, "IMAP host")
	if err != nil {
		return err
	}
	portStr, err := prompt(r, "IMAP port")
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	tlsStr, err := prompt(r, "Use TLS (y/n)")
	if err != nil {
		return err
	}
	username, err := prompt(r, "IMAP username")
	if err != nil {
		return err
	}
	password, err := prompt(r, "IMAP password")
	if err != nil {
		return err
	}

	secret := models.LoginSecret{
		Host:     host,
		Port:     port,
		TLS:      strings.EqualFold(tlsStr, "y") || strings.EqualFold(tlsStr, "yes"),
		Username: username,
		Password: password,
	}

	orch, err := newOrchestrator(keychain, reg, stores, sessions, password)
	if err != nil {
		return err
	}

	if err := orch.Register(ctx, user, secret); err != nil {
		return err
	}

	log.Printf("Registered %s", user)
	return nil
}

func prompt(r *bufio.Reader, label string) (string, error) {
	fmt.Printf("%s: ", label)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s must not be empty", label)
	}
	return line, nil
}
