package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/internal/appconfig"
	"pkt.systems/tabkeeper/internal/tabstore"
	"pkt.systems/tabkeeper/schema"
)

func newTabsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List persisted tabs in position order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			backend, err := tabstore.OpenBackend(cmd.Context(), cfg.Store.Driver, cfg.StorePath(), pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()
			records, err := backend.Load(cmd.Context())
			if err != nil {
				return err
			}
			tabstore.SortByPosition(records)
			tabs := make([]schema.Tab, 0, len(records))
			for _, rec := range records {
				tabs = append(tabs, core.TabFromRecord(rec))
			}
			return printTabs(cmd.OutOrStdout(), tabs)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func printTabs(w io.Writer, tabs []schema.Tab) error {
	if len(tabs) == 0 {
		_, err := fmt.Fprintln(w, "no tabs")
		return err
	}
	for _, tab := range tabs {
		accessed := "-"
		if !tab.LastAccess.IsZero() {
			accessed = tab.LastAccess.Local().Format("2006-01-02 15:04")
		}
		if _, err := fmt.Fprintf(w, "%3d  %-10s  %-16s  %s  %s\n", tab.Position, tab.State(), accessed, tab.ID, tab.DisplayTitle()); err != nil {
			return err
		}
	}
	return nil
}
