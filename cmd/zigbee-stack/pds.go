package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"zigbee-go-stack/internal/pds"
)

var pdsCmd = &cobra.Command{
	Use:   "pds",
	Short: "Inspect persistent data files",
}

var pdsDumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Print every record of a persistent data file",
	Long: `Dump prints the records stored by the stack, one per MemID. JSON
records are pretty-printed; anything else is shown as hex. Records that
fail their size or CRC check are reported as corrupt.

Without a file argument the store.path of the config file is used. The
stack must not be running on the same file.

Examples:
  zigbee-stack pds dump zigbee-stack.db
  zigbee-stack pds dump -c config.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			path = cfg.Store.Path
		}
		store, err := pds.NewBoltStore(path)
		if err != nil {
			return err
		}
		defer store.Close()
		return dumpStore(cmd.OutOrStdout(), store)
	},
}

func init() {
	pdsCmd.AddCommand(pdsDumpCmd)
}

func dumpStore(w io.Writer, store pds.Store) error {
	ids, err := store.List()
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no records")
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		data, err := store.Load(id)
		switch {
		case errors.Is(err, pds.ErrCorrupt):
			fmt.Fprintf(w, "# 0x%04X %s: corrupt (%v)\n", uint16(id), id, err)
			continue
		case err != nil:
			return fmt.Errorf("load %s: %w", id, err)
		}
		fmt.Fprintf(w, "# 0x%04X %s (%d bytes)\n", uint16(id), id, len(data))

		var out bytes.Buffer
		if json.Valid(data) && json.Indent(&out, data, "", "  ") == nil {
			out.WriteByte('\n')
			w.Write(out.Bytes())
		} else {
			io.WriteString(w, hex.Dump(data))
		}
	}
	return nil
}
