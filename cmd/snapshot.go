package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the pending recovery snapshot without consuming it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.loadSettings()
			if err != nil {
				return err
			}
			kv, err := a.openStore(s)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer kv.Close()

			cfg := config.New(kv)
			defer cfg.Close()
			m := recovery.New(kv, cfg, recovery.WithSigningKey([]byte(s.SnapshotKey)))
			snap, err := m.Peek(cmd.Context())
			if errors.Is(err, recovery.ErrNoSnapshot) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no snapshot")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
