package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/transport"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatsync setup",
		Long: `Verifies that the configuration, identity provider, backend, cache
database and feed port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatsync doctor v%s\n\n", version)

			passed, failed, warned := 0, 0, 0
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, _, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			httpClient := transport.NewHTTPClient(5 * time.Second)

			if cfg.Auth.Token != "" {
				pass("Credential", "static token configured")
			} else {
				session, err := auth.NewSessionClient(cfg.Auth.SessionURL, httpClient).Session(ctx)
				switch {
				case err != nil:
					fail("Session endpoint", err.Error())
				case !session.Valid():
					warn("Session", "signed out, sign in at "+cfg.Auth.LoginURL)
				default:
					pass("Session", "signed in as "+session.User.ID)
				}
			}

			if err := checkBackend(ctx, httpClient, cfg.API.BaseURL); err != nil {
				fail("Backend", err.Error())
			} else {
				pass("Backend", cfg.API.BaseURL)
			}

			if cfg.Cache.Enabled {
				if err := checkDatabase(cfg.Cache.DBPath); err != nil {
					fail("Cache database", err.Error())
				} else {
					pass("Cache database", cfg.Cache.DBPath)
				}
			} else {
				warn("Cache database", "disabled, nothing is shown while offline")
			}

			if cfg.Feed.Enabled {
				if err := checkPort(cfg.Feed.Host, cfg.Feed.Port); err != nil {
					warn("Feed port", fmt.Sprintf("port %d may be in use: %v", cfg.Feed.Port, err))
				} else {
					pass("Feed port", fmt.Sprintf("%s:%d available", cfg.Feed.Host, cfg.Feed.Port))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkBackend only needs a response: any status proves the server is up.
func checkBackend(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
