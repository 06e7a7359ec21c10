package cmd

import (
	"os"
	"strconv"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/coniks-sys/vaultfs/volume"
	"github.com/spf13/cobra"
)

// createCmd represents the create command
var createCmd = cli.NewActionCommand("create <device> <nvram_slot>",
	"Format a device as a new vaultfs volume.",
	`Format a device as a new vaultfs volume.

This lays out the superblock, journal, key table, file-key table and
PPRF arena, generates a fresh master key, and seals it into the given
NVRAM anchor slot. You will be prompted for the anchor owner password
and the volume user password on the controlling terminal.`,
	cobra.ExactArgs(2), create)

func init() {
	RootCmd.AddCommand(createCmd)
	createCmd.Flags().StringP("config", "c", "vaultfs.toml", "Path to the vaultfs configuration file")
	createCmd.Flags().StringP("anchor", "a", "/var/lib/vaultfs/anchor", "Path to the root-of-trust anchor")
	createCmd.Flags().Uint64P("size", "s", 1<<26, "Volume size in bytes when <device> does not exist yet")
}

func create(cmd *cobra.Command, args []string) {
	device := args[0]
	nvramSlot, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		cli.Fatal("invalid nvram slot %q: %v", args[1], err)
	}

	conf := loadConfigOrExit(cmd)
	anc := openAnchorOrExit(cmd)

	sizeBytes, _ := cmd.Flags().GetUint64("size")
	if fi, err := os.Stat(device); err == nil {
		sizeBytes = uint64(fi.Size())
	}

	ownerPassword, err := cli.PromptPassword("Anchor owner password: ")
	if err != nil {
		cli.Fatal("%v", err)
	}
	defer zeroBytes(ownerPassword)
	userPassword, err := cli.PromptPassword("Volume user password: ")
	if err != nil {
		cli.Fatal("%v", err)
	}
	defer zeroBytes(userPassword)

	v, err := volume.Create(device, uint32(nvramSlot), sizeBytes, ownerPassword, userPassword, anc, conf)
	if err != nil {
		cli.Fatal("create %s: %v", device, err)
	}
	if err := v.Close(); err != nil {
		cli.Fatal("close %s: %v", device, err)
	}
}
