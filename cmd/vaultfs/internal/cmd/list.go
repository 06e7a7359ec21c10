package cmd

import (
	"fmt"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = cli.NewActionCommand("list",
	"List open vaultfs volumes.",
	`List open vaultfs volumes, one "name real_device virtual_device"
line per volume.`,
	cobra.NoArgs, list)

func init() {
	RootCmd.AddCommand(listCmd)
	listCmd.Flags().StringP("config", "c", "vaultfs.toml", "Path to the vaultfs configuration file")
}

func list(cmd *cobra.Command, args []string) {
	conf := loadConfigOrExit(cmd)
	reg := openRegistryOrExit(conf)
	for _, e := range reg.List() {
		fmt.Printf("%s %s %s\n", e.Name, e.RealDevice, e.VirtualDevice)
	}
}
