package cmd

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/spf13/cobra"
)

// closeCmd represents the close command
var closeCmd = cli.NewActionCommand("close <name>",
	"Close an open vaultfs volume.",
	`Close an open vaultfs volume.

This signals the process holding <name> open (recorded at open time) so
it scrubs its keys, releases the device, and removes itself from the
registry.`,
	cobra.ExactArgs(1), closeRun)

func init() {
	RootCmd.AddCommand(closeCmd)
	closeCmd.Flags().StringP("config", "c", "vaultfs.toml", "Path to the vaultfs configuration file")
}

func closeRun(cmd *cobra.Command, args []string) {
	name := args[0]
	conf := loadConfigOrExit(cmd)
	reg := openRegistryOrExit(conf)

	if _, err := reg.Lookup(name); err != nil {
		cli.Fatal("no open volume named %q", name)
	}

	raw, err := os.ReadFile(pidPath(conf.RegistryPath, name))
	if err != nil {
		cli.Fatal("cannot read pid file for %q: %v", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		cli.Fatal("malformed pid file for %q: %v", name, err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		cli.Fatal("cannot signal pid %d: %v", pid, err)
	}
}
