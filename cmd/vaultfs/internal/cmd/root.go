// Package cmd implements the CLI commands for the vaultfs volume manager.
package cmd

import (
	"github.com/coniks-sys/vaultfs/cli"
)

// RootCmd represents the base "vaultfs" command when called without any subcommands.
var RootCmd = cli.NewRootCommand("vaultfs",
	"Secure-deletion encrypted volume manager",
	`vaultfs manages encrypted volumes with per-file forward secrecy:
once a file is unlinked, every block of ciphertext ever persisted for it
becomes cryptographically unrecoverable, even to an adversary who later
learns the user password and images the whole disk.`)
