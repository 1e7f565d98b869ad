// Command transferctl is the operator tool for a journal-backed transfer store. It replays
// the seed snapshot and the journal offline and reports on the result.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

var Version = "dev"

type storeFlags struct {
	envFile     string
	seedPath    string
	journalPath string
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "transferctl",
		Short:         "Inspect and verify a transfer journal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := &storeFlags{}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Load service environment from this file before reading config")
	rootCmd.PersistentFlags().StringVar(&flags.seedPath, "seed", "", "Seed snapshot (defaults to SEED_PATH)")
	rootCmd.PersistentFlags().StringVar(&flags.journalPath, "journal", "", "Journal file (defaults to JOURNAL_PATH)")

	rootCmd.AddCommand(verifyCmd(flags))
	rootCmd.AddCommand(balancesCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open resolves unset flags from the service configuration and replays the journal.
func (f *storeFlags) open() (*store.JournalRepository, config.Config, error) {
	if f.envFile != "" {
		// Variables already set in the shell win over the file.
		if err := godotenv.Load(f.envFile); err != nil {
			return nil, config.Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, cfg, err
	}
	if f.seedPath == "" {
		f.seedPath = cfg.SeedPath
	}
	if f.journalPath == "" {
		f.journalPath = cfg.JournalPath
	}
	repo, err := store.OpenJournalRepository(f.seedPath, f.journalPath, nil)
	return repo, cfg, err
}

func verifyCmd(flags *storeFlags) *cobra.Command {
	var timezone string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check conservation, non-negative balances and cap usage",
		Long: `Replay the seed snapshot and the journal, then check that:
- every balance equals its opening balance plus its ledger records
- the total of all balances is unchanged
- no balance is negative
- no single debit exceeds the per-transaction cap
- no account exceeds the daily cap on any day`,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, cfg, err := flags.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			loc := cfg.Location()
			if timezone != "" {
				if loc, err = time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone %q: %w", timezone, err)
				}
			}
			return runVerify(cmd.OutOrStdout(), repo.Audit(loc), cfg.PerTransactionCap, cfg.DailyCap)
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "Timezone for daily windows (defaults to LIMITS_TIMEZONE)")
	return cmd
}

// runVerify prints the audit and fails when any invariant is broken.
func runVerify(out io.Writer, report store.AuditReport, perTransactionCap, dailyCap int64) error {
	problems := report.Violations(perTransactionCap, dailyCap)

	fmt.Fprintf(out, "accounts:           %d\n", len(report.Accounts))
	fmt.Fprintf(out, "executed transfers: %d\n", report.ExecutedTransfers)
	fmt.Fprintf(out, "opening total:      %s\n", domain.FormatAmount(report.OpeningTotal))
	fmt.Fprintf(out, "current total:      %s\n", domain.FormatAmount(report.CurrentTotal))

	if len(problems) == 0 {
		fmt.Fprintln(out, "status:             OK")
		return nil
	}
	fmt.Fprintln(out, "status:             FAILED")
	for _, p := range problems {
		fmt.Fprintf(out, "  - %s\n", p)
	}
	return fmt.Errorf("%d invariant violation(s)", len(problems))
}

func balancesCmd(flags *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balances [owner-id]",
		Short: "List accounts and balances, optionally for one owner",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, cfg, err := flags.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			owner := ""
			if len(args) == 1 {
				owner = strings.TrimSpace(args[0])
			}
			return printBalances(cmd.OutOrStdout(), repo.Audit(cfg.Location()).Accounts, owner)
		},
	}
}

func printBalances(out io.Writer, accounts []domain.Account, owner string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT ID\tNUMBER\tOWNER\tCURRENCY\tLEDGER\tAVAILABLE")
	shown := 0
	for _, a := range accounts {
		if owner != "" && a.OwnerID != owner {
			continue
		}
		shown++
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.AccountNumber, a.OwnerID, a.Currency,
			domain.FormatAmount(a.LedgerBalance), domain.FormatAmount(a.AvailableBalance))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if owner != "" && shown == 0 {
		return fmt.Errorf("%w: no accounts for owner %s", domain.ErrAccountNotFound, owner)
	}
	return nil
}
