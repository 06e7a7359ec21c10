package cmd

import (
	"os"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/coniks-sys/vaultfs/config"
	"github.com/coniks-sys/vaultfs/internal/registry"
	"github.com/coniks-sys/vaultfs/volume/anchor"
	"github.com/spf13/cobra"
)

// loadConfigOrExit reads the --config file when it exists, falling back
// to the built-in defaults when it doesn't.
func loadConfigOrExit(cmd *cobra.Command) *config.Config {
	confPath := cmd.Flag("config").Value.String()
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		return config.Default()
	}
	conf, err := config.Load(confPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	return conf
}

// openAnchorOrExit opens the root-of-trust anchor named by --anchor.
func openAnchorOrExit(cmd *cobra.Command) anchor.Anchor {
	anc, err := anchor.OpenFileAnchor(cmd.Flag("anchor").Value.String())
	if err != nil {
		cli.Fatal("cannot open anchor: %v", err)
	}
	return anc
}

// openRegistryOrExit opens the process-wide device registry file.
func openRegistryOrExit(conf *config.Config) *registry.Registry {
	reg, err := registry.Open(conf.RegistryPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	return reg
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
