package main

import (
	"fmt"

	"github.com/pingcap-incubator/tinydoc/engine"
	"github.com/spf13/cobra"
)

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the write-ahead log into a catalog and print its collections",
		RunE:  runReplayCommandFunc,
	}
}

func runReplayCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	living := e.LivingCatalog()
	fmt.Fprintf(out, "catalog %s at version %d, schema version %d\n", living.Name(), living.Version(), living.SchemaVersion())
	fmt.Fprintf(out, "versions: %s\n", e.Versions())
	for _, name := range living.Collections() {
		coll, _ := living.Collection(name)
		fmt.Fprintf(out, "  %-24s %8d entities  %s\n", name, coll.Len(), coll.Description())
	}
	return nil
}
