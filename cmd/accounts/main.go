// Package main はユーザーとクレジット残高を管理する CLI です。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yourusername/longtext-translator/internal/auth"
	"github.com/yourusername/longtext-translator/internal/config"
	"github.com/yourusername/longtext-translator/internal/credits"
)

var dbPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "accounts",
		Short: "Manage translator users, API keys and credits",
		Long: `accounts はストリーミング翻訳 API の利用者を管理します。

Commands:
  create-user   ユーザーを作成し API トークンを発行する
  rotate-key    API キーを再発行する
  set-credits   クレジット残高を設定する
  show          残高と取引履歴を表示する`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dbPath != "" {
				return
			}
			dbPath = "accounts.db"
			if cfg, err := config.Load(); err == nil {
				dbPath = cfg.AccountsDBPath
			}
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: ACCOUNTS_DB_PATH)")

	root.AddCommand(
		newCreateUserCmd(),
		newRotateKeyCmd(),
		newSetCreditsCmd(),
		newShowCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withAccounts(fn func(*credits.SQLiteAccounts) error) error {
	accounts, err := credits.NewSQLiteAccounts(dbPath)
	if err != nil {
		return err
	}
	defer accounts.Close()
	return fn(accounts)
}

// ---------------------------------------------------------------------------
// create-user
// ---------------------------------------------------------------------------

func newCreateUserCmd() *cobra.Command {
	var (
		id      string
		email   string
		balance int
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user and print its API token",
		Long: `ユーザーを作成し、Authorization: Bearer に渡すトークンを表示します。
トークンはこの場でしか表示されません。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(func(a *credits.SQLiteAccounts) error {
				return runCreateUser(cmd.Context(), a, cmd.OutOrStdout(), id, email, balance)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "User ID (default: random UUID)")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().IntVar(&balance, "credits", 0, "Initial credit balance")
	return cmd
}

func runCreateUser(ctx context.Context, a *credits.SQLiteAccounts, out io.Writer, id, email string, balance int) error {
	if balance < 0 {
		return errors.New("--credits must not be negative")
	}
	if id == "" {
		id = uuid.NewString()
	}
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := a.CreateUser(ctx, id, email, hash, balance); err != nil {
		return err
	}
	fmt.Fprintf(out, "user:    %s\n", id)
	fmt.Fprintf(out, "credits: %d\n", balance)
	fmt.Fprintf(out, "token:   %s.%s\n", id, key)
	return nil
}

// ---------------------------------------------------------------------------
// rotate-key
// ---------------------------------------------------------------------------

func newRotateKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key <user-id>",
		Short: "Issue a new API key and invalidate the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(func(a *credits.SQLiteAccounts) error {
				return runRotateKey(cmd.Context(), a, cmd.OutOrStdout(), args[0])
			})
		},
	}
	return cmd
}

func runRotateKey(ctx context.Context, a *credits.SQLiteAccounts, out io.Writer, id string) error {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := a.SetAPIKeyHash(ctx, id, hash); err != nil {
		return err
	}
	fmt.Fprintf(out, "token: %s.%s\n", id, key)
	return nil
}

// ---------------------------------------------------------------------------
// set-credits
// ---------------------------------------------------------------------------

func newSetCreditsCmd() *cobra.Command {
	var balance int
	cmd := &cobra.Command{
		Use:   "set-credits <user-id>",
		Short: "Set the credit balance of a user",
		Long:  `残高を指定値に設定します。差分は adjust として台帳に記録されます。`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(func(a *credits.SQLiteAccounts) error {
				return runSetCredits(cmd.Context(), a, cmd.OutOrStdout(), args[0], balance)
			})
		},
	}
	cmd.Flags().IntVar(&balance, "credits", 0, "New credit balance")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func runSetCredits(ctx context.Context, a *credits.SQLiteAccounts, out io.Writer, id string, balance int) error {
	if balance < 0 {
		return errors.New("--credits must not be negative")
	}
	if err := a.SetCredits(ctx, id, balance); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d credits\n", id, balance)
	return nil
}

// ---------------------------------------------------------------------------
// show
// ---------------------------------------------------------------------------

func newShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show balance and recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(func(a *credits.SQLiteAccounts) error {
				return runShow(cmd.Context(), a, cmd.OutOrStdout(), args[0], limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of transactions to show")
	return cmd
}

func runShow(ctx context.Context, a *credits.SQLiteAccounts, out io.Writer, id string, limit int) error {
	user, err := a.GetUser(ctx, id)
	if err != nil {
		return err
	}
	txs, err := a.ListTransactions(ctx, id, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "user:    %s\n", user.ID)
	if user.Email != "" {
		fmt.Fprintf(out, "email:   %s\n", user.Email)
	}
	fmt.Fprintf(out, "credits: %d\n", user.Credits)
	if len(txs) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBALANCE\tJOB")
	for _, tx := range txs {
		job := tx.JobID
		if job == "" {
			job = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n",
			tx.CreatedAt.Local().Format(time.DateTime), tx.Kind, tx.Amount, tx.BalanceAfter, job)
	}
	return w.Flush()
}
