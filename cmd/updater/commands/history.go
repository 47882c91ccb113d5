package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/otaupdater/pkg/config"
	"github.com/openfroyo/otaupdater/pkg/stores"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

func newHistoryCommand() *cobra.Command {
	var limit int
	var jsonOutput bool
	var attemptID string
	var packagePath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent update attempts",
		Long: `Show the most recent update attempts recorded in the attempt history
database, newest first. History must be enabled in the configuration.
With --id or --package only that attempt is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("attempt history is not enabled")
			}

			store, err := openStore(cmd.Context(), cfg.History)
			if err != nil {
				return fmt.Errorf("failed to open attempt history: %w", err)
			}
			defer store.Close()

			var attempts []*stores.Attempt
			switch {
			case attemptID != "":
				a, err := store.GetAttempt(cmd.Context(), attemptID)
				if err != nil {
					return err
				}
				attempts = append(attempts, a)
			case packagePath != "":
				a, err := store.LastAttempt(cmd.Context(), packagePath)
				if err != nil {
					return err
				}
				attempts = append(attempts, a)
			default:
				attempts, err = store.ListAttempts(cmd.Context(), limit)
				if err != nil {
					return err
				}
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(attempts)
			}
			return printAttempts(cmd, attempts)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of attempts to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&attemptID, "id", "", "show only the attempt with this ID")
	cmd.Flags().StringVar(&packagePath, "package", "", "show only the latest attempt for this package path")
	cmd.MarkFlagsMutuallyExclusive("id", "package")

	return cmd
}

func printAttempts(cmd *cobra.Command, attempts []*stores.Attempt) error {
	if len(attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tID\tPACKAGE\tEXIT\tERROR\tCAUSE\tRETRY\tDURATION")
	for _, a := range attempts {
		errorCode, causeCode := "-", "-"
		if a.ErrorCode != int(updater.NoError) {
			errorCode = updater.ErrorCode(a.ErrorCode).String()
		}
		if a.CauseCode != int(updater.NoCause) {
			causeCode = updater.CauseCode(a.CauseCode).String()
		}
		retry := ""
		if a.RetryRequested {
			retry = "requested"
		} else if a.Retry {
			retry = "retry"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			a.StartedAt.Format(time.RFC3339),
			a.ID,
			a.PackagePath,
			a.ExitCode,
			errorCode,
			causeCode,
			retry,
			a.Duration().Round(time.Millisecond),
		)
	}
	return w.Flush()
}
