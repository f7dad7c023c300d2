package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/types"
)

var schemaJSONOutput bool

var schemaCmd = &cobra.Command{
	Use:   "schema [entity]",
	Short: "Print the effective column layout of each entity",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaJSONOutput, "json", false, "Output in JSON format")
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	entities := types.AllEntities
	if len(args) == 1 {
		e, err := types.ParseEntity(args[0])
		if err != nil {
			return err
		}
		entities = []types.Entity{e}
	}

	maps := make(map[string]*schema.Map, len(entities))
	tables := make(map[string]string, len(entities))
	for _, e := range entities {
		ec, err := cfg.Entity(e)
		if err != nil {
			return err
		}
		maps[e.Key()] = ec.Schema
		tables[e.Key()] = ec.Table
	}

	if schemaJSONOutput {
		return printJSON(cmd.OutOrStdout(), maps)
	}

	out := cmd.OutOrStdout()
	for i, e := range entities {
		if i > 0 {
			fmt.Fprintln(out)
		}
		m := maps[e.Key()]
		fmt.Fprintf(out, "%s -> %s (key %s)\n", e, tables[e.Key()], m.CanonicalKey())

		w := newTabWriter(out)
		fmt.Fprintln(w, "COLUMN\tKIND\tSIZE")
		for _, c := range m.Columns {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Canonical(), c.Kind, columnSize(c))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func columnSize(c schema.Column) string {
	switch c.Kind {
	case schema.KindText:
		return strconv.Itoa(c.MaxLength)
	case schema.KindDecimal:
		return fmt.Sprintf("%d,%d", c.Precision, c.Scale)
	}
	return "-"
}
