package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"funding-grid-alerts/internal/app"
)

var (
	simulateSymbol string
	simulateRates  []float64
	simulateStep   time.Duration
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Feed a funding rate sequence (percent) through a fresh grid",
	Example: "  fundingwatcher simulate --rates=-1.1,-1.3,-2.1,-1.7\n" +
		"  fundingwatcher simulate --rates=-1.2 --notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateRates) == 0 {
			return errors.New("--rates must list at least one value")
		}

		opts := app.SimulateOptions{
			Symbol: simulateSymbol,
			Rates:  simulateRates,
			Step:   simulateStep,
			Notify: simulateNotify,
		}
		_, err := getApp().Simulate(cmd.Context(), opts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "SIMUSDT", "Symbol used in alert texts")
	simulateCmd.Flags().Float64SliceVar(&simulateRates, "rates", nil, "Comma separated funding rates in percent")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 0, "Time between samples (defaults to scheduler.interval)")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send emitted alerts to the configured chats")
}
