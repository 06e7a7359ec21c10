package cmd

import (
	"github.com/coniks-sys/vaultfs/cli"
)

// versionCmd represents the version command
var versionCmd = cli.NewVersionCommand("vaultfs")

func init() {
	RootCmd.AddCommand(versionCmd)
}
