// Script safety gate commands.
package main

import (
	"fmt"
	"os"

	"browserd/internal/gate"

	"github.com/spf13/cobra"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Validate scripts against the safety pattern table",
}

var gateCheckCmd = &cobra.Command{
	Use:   "check [script-file]",
	Short: "Check a script file for unsafe patterns",
	Args:  cobra.ExactArgs(1),
	RunE:  gateCheck,
}

func init() {
	gateCmd.AddCommand(gateCheckCmd)
	rootCmd.AddCommand(gateCmd)
}

func gateCheck(cmd *cobra.Command, args []string) error {
	g, err := gate.New(gate.Config{
		Enforce:           cfg.Gate.Enforce,
		WarningsAreErrors: cfg.Gate.WarningsAreErrors,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Gate.PatternFile != "" {
		if err := g.LoadFile(cfg.Gate.PatternFile); err != nil {
			return err
		}
	}

	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	violations := g.Validate(string(code))
	if len(violations) == 0 {
		fmt.Printf("OK (pattern table v%d, no matches)\n", g.Version())
		return nil
	}
	for _, v := range violations {
		fmt.Printf("%-8s %s  [%s]\n", v.Severity, v.Reason, v.Pattern)
	}
	return g.Check(string(code))
}
