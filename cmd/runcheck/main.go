// Command runcheck validates one finished run directory.
//
//	runcheck <run-dir>
//
// stdout starts with "run-summary validation: PASS" or "... FAIL" followed
// by one ERROR or WARNING line per finding. The exit code is 0 for PASS and
// 1 for FAIL or a usage error.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sceneforge/internal/validate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := &cobra.Command{
		Use:           "runcheck <run-dir>",
		Short:         "Validate a finished sceneforge run directory",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := validate.Dir(args[0])
			code = report.ExitCode()
			return validate.Render(cmd.OutOrStdout(), report)
		},
	}
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return code
}
