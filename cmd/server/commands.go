package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ssabro/MailVista-sub002/internal/app"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/config"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	"github.com/ssabro/MailVista-sub002/internal/secrets"
)

// loadConfig is swapped in tests.
var loadConfig = config.NewConfig

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := app.NewLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg, passwordSource(cfg, logger), logger)
			if err != nil {
				return err
			}

			logger.WithField("environment", cfg.Environment).Info("MailVista starting")
			serveErr := a.Serve(ctx, ":"+cfg.Port)

			if err := a.Close(); err != nil {
				logger.WithError(err).Error("Shutdown finished with errors")
			}
			return serveErr
		},
	}
}

// passwordSource opens the keyring. A broken keyring only matters for
// accounts without an inline password, so it is logged and the dialer
// reports the missing password per account.
func passwordSource(cfg *config.Config, logger *logrus.Logger) imap.PasswordSource {
	store, err := secrets.Open(cfg.KeyringBackend, cfg.DataDir)
	if err != nil {
		logger.WithError(err).Warn("Keyring unavailable, only inline passwords will work")
		return nil
	}
	return store
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the on-disk header cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func openSnapshot(cfg *config.Config) (*cache.Store, error) {
	store := cache.NewStore(cache.Options{
		MaxFoldersPerAccount: cfg.Cache.MaxFoldersPerAccount,
		MaxHeadersPerFolder:  cfg.Cache.MaxHeadersPerFolder,
		FilePath:             cfg.Cache.FilePath,
		PersistDebounce:      cfg.Cache.PersistDebounce,
	}, nil)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to read cache snapshot %s: %w", cfg.Cache.FilePath, err)
	}
	return store, nil
}

func newCacheStatsCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "List cached folders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openSnapshot(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			printCacheStats(cmd.OutOrStdout(), store.Stats(), strings.ToLower(account))
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only show this account")
	return cmd
}

func printCacheStats(out io.Writer, stats []cache.FolderStats, account string) {
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tFOLDER\tUIDVALIDITY\tHEADERS\tLAST SYNC")
	for _, s := range stats {
		if account != "" && s.Account != account {
			continue
		}
		lastSync := "never"
		if !s.LastSync.IsZero() {
			lastSync = s.LastSync.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.Account, s.Folder, s.UIDValidity, s.Headers, lastSync)
	}
	_ = tw.Flush()
}

func newCacheClearCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached headers so the next read refetches from the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openSnapshot(cfg)
			if err != nil {
				return err
			}

			if account == "" {
				store.InvalidateAll()
			} else {
				store.InvalidateAccount(strings.ToLower(account))
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to write cache snapshot: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared (%s)\n", cfg.Cache.FilePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only clear this account")
	return cmd
}

// openKeyring is swapped in tests.
var openKeyring = func(cfg *config.Config) (*secrets.KeyringStore, error) {
	return secrets.Open(cfg.KeyringBackend, cfg.DataDir)
}

func newPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage IMAP passwords in the OS keyring",
	}
	cmd.AddCommand(newPasswordSetCmd())
	cmd.AddCommand(newPasswordDeleteCmd())
	return cmd
}

func newPasswordSetCmd() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "set <account>",
		Short: "Store the IMAP password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			account := args[0]
			if _, ok := cfg.Account(account); !ok {
				return fmt.Errorf("account %s is not configured", account)
			}

			var password string
			if fromStdin {
				password, err = readPasswordLine(cmd.InOrStdin())
			} else {
				password, err = keyring.TerminalPrompt(fmt.Sprintf("IMAP password for %s: ", account))
			}
			if err != nil {
				return err
			}

			store, err := openKeyring(cfg)
			if err != nil {
				return err
			}
			if err := store.SetPassword(account, password); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Password stored for %s\n", account)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the password from the first line of stdin")
	return cmd
}

func newPasswordDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Remove the stored IMAP password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openKeyring(cfg)
			if err != nil {
				return err
			}
			if err := store.DeletePassword(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password removed for %s\n", args[0])
			return nil
		},
	}
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is empty")
	}
	return password, nil
}

func newProbeCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <account>",
		Short: "Log in to an account and list its folders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			dial := imap.NewAccountDialer(cfg.Accounts, passwordSource(cfg, logger))
			session, err := dial(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = session.Logout() }()

			folders, err := imap.ListFolders(session)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "FOLDER\tROLE")
			for _, f := range folders {
				fmt.Fprintf(tw, "%s\t%s\n", f.Name, f.Role)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}
