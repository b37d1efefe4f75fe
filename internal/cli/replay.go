package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"funding-grid-alerts/internal/app"
)

var (
	replaySymbol string
	replayFrom   string
	replayTo     string
	replayRecord bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay settled funding history for one symbol through a fresh grid",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replaySymbol == "" || replayFrom == "" {
			return fmt.Errorf("--symbol and --from must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to := time.Now().UTC()
		if replayTo != "" {
			to, err = time.Parse(time.RFC3339, replayTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.ReplayOptions{
			Symbol: replaySymbol,
			From:   from,
			To:     to,
			Record: replayRecord,
		}

		_, err = getApp().Replay(cmd.Context(), opts)
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySymbol, "symbol", "", "Perpetual symbol, e.g. BTCUSDT")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, exclusive, defaults to now)")
	replayCmd.Flags().BoolVar(&replayRecord, "record", false, "Write emitted alerts to alert history")
}
