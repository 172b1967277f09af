package main

import (
	"fmt"
	"io"

	"github.com/pingcap-incubator/tinydoc/engine"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap-incubator/tinydoc/wal"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	inspectFrom    uint64
	inspectVerbose bool
)

func newInspectCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "inspect",
		Short: "Print the flushed catalog header and the transactions of the write-ahead log",
		RunE:  runInspectCommandFunc,
	}
	m.Flags().Uint64Var(&inspectFrom, "from", 2, "first catalog version to print")
	m.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "print every mutation of a transaction")
	return m
}

func runInspectCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := engine.OpenWal(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog %s, last catalog version in wal: %d\n", cfg.CatalogName, w.LastVersion())
	h, err := w.LoadHeader(cfg.CatalogName)
	switch {
	case errors.Cause(err) == wal.ErrHeaderNotFound:
		fmt.Fprintln(out, "catalog was never flushed")
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "flushed at version %d (schema version %d, %d entities, transaction %s, %s)\n",
			h.CatalogVersion, h.SchemaVersion, h.EntityCount, h.TransactionID, h.CommitTimestamp)
	}
	return printTransactions(out, w, inspectFrom, inspectVerbose)
}

func printTransactions(out io.Writer, w wal.CatalogWal, from uint64, verbose bool) error {
	it, err := w.Stream(from)
	if err != nil {
		return err
	}
	defer it.Close()
	transactions, mutations := 0, 0
	for {
		m, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if txm, ok := m.(*mutation.TransactionMutation); ok {
			transactions++
			fmt.Fprintln(out, txm)
			continue
		}
		mutations++
		if verbose {
			fmt.Fprintf(out, "  %s %+v\n", m.Kind(), m)
		}
	}
	fmt.Fprintf(out, "%d transactions, %d mutations\n", transactions, mutations)
	return nil
}
