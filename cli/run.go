package cli

import (
	"github.com/spf13/cobra"
)

// An actionCommand is used to create one of the vaultfs executable's
// volume-management subcommands (create, open, close, list).
type actionCommand struct {
	use     string
	short   string
	long    string
	nargs   cobra.PositionalArgs
	runFunc func(cmd *cobra.Command, args []string)
}

var _ cobraCommand = (*actionCommand)(nil)

// NewActionCommand constructs a new volume-management subcommand from
// its usage strings, positional-argument contract, and the runFunc
// implementing the command.
func NewActionCommand(use, short, long string, nargs cobra.PositionalArgs, runFunc func(cmd *cobra.Command, args []string)) *cobra.Command {
	actionCmd := &actionCommand{
		use:     use,
		short:   short,
		long:    long,
		nargs:   nargs,
		runFunc: runFunc,
	}
	return actionCmd.Build()
}

// Build constructs the cobra.Command according to the
// ActionCommand's settings.
func (actionCmd *actionCommand) Build() *cobra.Command {
	cmd := cobra.Command{
		Use:   actionCmd.use,
		Short: actionCmd.short,
		Long:  actionCmd.long,
		Args:  actionCmd.nargs,
		Run:   actionCmd.runFunc,
	}
	return &cmd
}
