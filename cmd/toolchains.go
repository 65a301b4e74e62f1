package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/magnetar/internal/config"
	"github.com/papapumpkin/magnetar/internal/toolchain"
)

var toolchainsCmd = &cobra.Command{
	Use:   "toolchains",
	Short: "List configured toolchains and their availability",
	RunE:  runToolchains,
}

func init() {
	rootCmd.AddCommand(toolchainsCmd)
}

func runToolchains(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	tcFile, err := toolchain.LoadFile(cfg.ToolchainsFile)
	if err != nil {
		return err
	}
	registry, err := tcFile.BuildRegistry(cfg.Verbose)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAVAILABLE")
	for _, name := range registry.Names() {
		a, err := registry.Get(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%t\n", name, a.Available())
	}
	return w.Flush()
}
