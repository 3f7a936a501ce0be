package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/provider-gateway/internal/app"
	"github.com/nulpointcorp/provider-gateway/internal/health"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

type probeCommander struct {
	timeout time.Duration
	strict  bool
}

func newProbeCmd() *cobra.Command {
	c := &probeCommander{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every configured provider once",
		Long: `Send a minimal completion to every configured provider and print the
resulting health records as JSON. With --strict the command fails when any
provider is unhealthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())

			reg, err := app.BuildRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			mon := health.New(reg,
				health.WithProbeTimeout(c.timeout),
				health.WithLogger(log),
			)
			defer mon.Close()

			return c.report(cmd.OutOrStdout(), reg, mon.CheckAll(ctx))
		},
	}

	cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 10*time.Second, "Per-provider probe timeout")
	cmd.Flags().BoolVar(&c.strict, "strict", false, "Exit non-zero when any provider is unhealthy")

	return cmd
}

// report prints records in registry order and applies --strict.
func (c *probeCommander) report(w io.Writer, reg *providers.Registry, recs map[string]health.Record) error {
	out := make([]health.Record, 0, len(recs))
	unhealthy := 0
	for _, name := range reg.Names() {
		rec, ok := recs[name]
		if !ok {
			continue
		}
		if rec.Status != health.StatusHealthy {
			unhealthy++
		}
		out = append(out, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("probe: encode: %w", err)
	}

	if c.strict && unhealthy > 0 {
		return fmt.Errorf("probe: %d of %d providers unhealthy", unhealthy, len(out))
	}
	return nil
}
