// Command zigbee-stack runs a ZigBee device on a serial radio
// co-processor, simulates meshes from Lua scenarios and inspects
// persisted stack state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "zigbee-stack",
	Short: "ZigBee PRO network stack",
	Long: `zigbee-stack runs a ZigBee PRO coordinator, router or end device.

The MAC layer is provided by a radio co-processor on a serial port; the
network, APS and ZDO layers run in this process. The stack state is
persisted to a bbolt file and restored on restart.

Commands:
  run        start the device described by the config file
  sim        run a Lua scenario against a simulated mesh
  pds dump   print the records of a persistent data file`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(pdsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
