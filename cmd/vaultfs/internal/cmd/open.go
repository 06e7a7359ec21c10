package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/coniks-sys/vaultfs/cli"
	"github.com/coniks-sys/vaultfs/internal/registry"
	"github.com/coniks-sys/vaultfs/volume"
	"github.com/spf13/cobra"
)

// openCmd represents the open command
var openCmd = cli.NewActionCommand("open <device> <name> <mapped_name>",
	"Open a vaultfs volume and register its virtual device.",
	`Open a vaultfs volume and register its virtual device.

The process stays in the foreground holding the volume open, standing in
for the helper process the kernel component messages out of band; its
PID is recorded next to the registry file. Send SIGINT or SIGTERM (or
run "vaultfs close <name>") to release the volume.`,
	cobra.ExactArgs(3), open)

func init() {
	RootCmd.AddCommand(openCmd)
	openCmd.Flags().StringP("config", "c", "vaultfs.toml", "Path to the vaultfs configuration file")
	openCmd.Flags().StringP("anchor", "a", "/var/lib/vaultfs/anchor", "Path to the root-of-trust anchor")
}

func open(cmd *cobra.Command, args []string) {
	device, name, mappedName := args[0], args[1], args[2]

	conf := loadConfigOrExit(cmd)
	anc := openAnchorOrExit(cmd)
	reg := openRegistryOrExit(conf)

	userPassword, err := cli.PromptPassword("Volume user password: ")
	if err != nil {
		cli.Fatal("%v", err)
	}
	defer zeroBytes(userPassword)

	v, err := volume.Open(device, userPassword, anc, conf)
	if err != nil {
		cli.Fatal("open %s: %v", device, err)
	}
	if err := reg.Put(registry.Entry{Name: name, RealDevice: device, VirtualDevice: mappedName}); err != nil {
		v.Close()
		cli.Fatal("%v", err)
	}
	if err := writePID(conf.RegistryPath, name); err != nil {
		v.Close()
		reg.Delete(name)
		cli.Fatal("%v", err)
	}

	// Hold the volume open until a terminating signal; the signal handler
	// itself only wakes the mainline, which does the actual teardown.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	reg.Delete(name)
	os.Remove(pidPath(conf.RegistryPath, name))
	if err := v.Close(); err != nil {
		cli.Fatal("close %s: %v", device, err)
	}
}

// pidPath is where open records its PID for out-of-band messaging: next
// to the registry file, one file per open volume name.
func pidPath(registryPath, name string) string {
	return path.Join(path.Dir(registryPath), name+".pid")
}

func writePID(registryPath, name string) error {
	pidf, err := os.OpenFile(pidPath(registryPath, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot create pid file: %v", err)
	}
	defer pidf.Close()
	if _, err := fmt.Fprint(pidf, os.Getpid()); err != nil {
		return fmt.Errorf("cannot write pid file: %v", err)
	}
	return nil
}
