// Executable vaultfs secure-deletion volume manager. See README for
// usage instructions.
package main

import (
	"github.com/coniks-sys/vaultfs/cli"
	"github.com/coniks-sys/vaultfs/cmd/vaultfs/internal/cmd"
)

func main() {
	cli.Execute(cmd.RootCmd)
}
