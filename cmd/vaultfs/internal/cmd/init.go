package cmd

import (
	"path"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/coniks-sys/vaultfs/config"
	"github.com/spf13/cobra"
)

// initCmd represents the init command
var initCmd = cli.NewInitCommand("vaultfs", initRunFunc)

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Location of directory for storing generated files")
}

func initRunFunc(cmd *cobra.Command, args []string) {
	dir := cmd.Flag("dir").Value.String()
	file := path.Join(dir, "vaultfs.toml")
	if err := config.Save(file, config.Default()); err != nil {
		cli.Fatal("%v", err)
	}
}
