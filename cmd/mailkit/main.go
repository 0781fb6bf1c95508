// mailkit fetches mail from IMAP accounts into a maildir and a content-
// addressed index, and serves a small HTTP status surface over the result.
//
// Usage:
//
//	mailkit run      Start fetching every configured account and serve /status
//	mailkit import   One-shot import of an existing maildir into the index
//	mailkit version  Print version information
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/eslider/mailkit/internal/config"
	"github.com/eslider/mailkit/internal/fetchloop"
	"github.com/eslider/mailkit/internal/imap"
	"github.com/eslider/mailkit/internal/maildb"
	"github.com/eslider/mailkit/internal/status"
)

var version = "0.1.0-dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFetch()
	case "import":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: mailkit import <maildir>")
			os.Exit(1)
		}
		runImport(os.Args[2])
	case "version":
		fmt.Printf("mailkit %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: mailkit <command>

Commands:
  run       Fetch every configured account and serve /status
  import    One-shot import of an existing maildir into the index
  version   Print version information

Environment:
  CONFIG_PATH   Path to the YAML config file (default: ./mailkit.yaml)
  DB_PATH       MailDB SQLite path (default: ./mailkit.db)
  STATUS_ADDR   HTTP status listen address (default: :8090)`)
}

func runFetch() {
	cfgPath := envOr("CONFIG_PATH", "./mailkit.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	dbPath := envOr("DB_PATH", cfg.DBPath)
	if dbPath == "" {
		dbPath = "./mailkit.db"
	}

	db, err := maildb.Open(dbPath)
	if err != nil {
		log.Fatalf("open maildb: %v", err)
	}
	defer db.Close()

	runner := fetchloop.NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, acct := range cfg.Accounts {
		proc := buildProcessor(acct, db)
		user, pass := acct.User, acct.Pass
		runner.Start(ctx, fetchloop.JobConfig{
			Name:          acct.Name,
			Dial:          acct.DialConfig(cfg.DialTimeout),
			Mailbox:       acct.Mailbox,
			Mode:          acct.Mode(),
			Proc:          proc,
			BackupMailbox: acct.BackupMailbox,
			Login: func(ctx context.Context, sess *imap.Session) error {
				return sess.Login(ctx, user, pass)
			},
		})
		log.Printf("mailkit: started job %s (%s)", acct.Name, acct.Addr)
	}

	statusAddr := envOr("STATUS_ADDR", cfg.StatusAddr)
	if statusAddr == "" {
		statusAddr = ":8090"
	}
	srv := &http.Server{Addr: statusAddr, Handler: status.NewRouter(status.Config{Runner: runner})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("mailkit: status server: %v", err)
		}
	}()
	log.Printf("mailkit: status server listening on %s", statusAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("mailkit: shutting down")
	cancel()
	srv.Shutdown(context.Background())
}

func buildProcessor(acct config.Account, db *maildb.DB) fetchloop.Processor {
	root := acct.MaildirRoot
	if root == "" {
		root = filepath.Join("./maildirs", acct.Name)
	}
	maildirProc := fetchloop.NewMaildirProcessor(root, db)
	if err := maildirProc.EnsureLayout(); err != nil {
		log.Fatalf("mailkit: create maildir layout for %s: %v", acct.Name, err)
	}
	return maildirProc
}

func runImport(root string) {
	dbPath := envOr("DB_PATH", "./mailkit.db")
	db, err := maildb.Open(dbPath)
	if err != nil {
		log.Fatalf("open maildb: %v", err)
	}
	defer db.Close()

	imported, skipped := 0, 0
	for _, sub := range []string{"new", "cur"} {
		dir := filepath.Join(root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			loc := maildb.NewMaildirLocation(path)
			if _, found, _ := db.GetMuidByLocation(loc); found {
				skipped++
				continue
			}
			m, err := loc.LoadMsg()
			if err != nil {
				log.Printf("mailkit: skip %s: %v", path, err)
				skipped++
				continue
			}
			if _, _, err := db.ImportMsg(m, loc, true, true, true); err != nil {
				log.Printf("mailkit: import %s: %v", path, err)
				skipped++
				continue
			}
			imported++
		}
	}
	log.Printf("mailkit: import done: %d imported, %d skipped", imported, skipped)
}
