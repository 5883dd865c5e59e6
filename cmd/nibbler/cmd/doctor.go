package cmd

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nibbler-dev/nibbler/internal/contract"
	"github.com/nibbler-dev/nibbler/internal/diagnostics"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that git, the runner binary, and the contract are ready",
	Long:  "Verify the environment nibbler needs to run a job: git on PATH, the configured runner binary present and executable, and the repository's contract loading and validating cleanly. Never mutates state.",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ok := true

	fmt.Fprintln(out, "Checking dependencies...")
	if err := exec.Command("git", "--version").Run(); err != nil {
		fmt.Fprintf(out, "  ✗ git: %v\n", err)
		ok = false
	} else {
		fmt.Fprintln(out, "  ✓ git")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checking configuration...")
	cfg, repoRoot, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "  ✗ config: %v\n", err)
		fmt.Fprintln(out)
		return fmt.Errorf("doctor check failed")
	}
	fmt.Fprintln(out, "  ✓ config loads and validates")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checking runner binary...")
	result := diagnostics.CheckBinary(cfg.Runner.Binary)
	if !result.OK {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  ✗ %s\n", e)
		}
		ok = false
	} else {
		fmt.Fprintf(out, "  ✓ runner binary %q\n", cfg.Runner.Binary)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checking contract...")
	contractDir := filepath.Join(repoRoot, ".nibbler", "contract")
	if _, err := contract.Load(contractDir); err != nil {
		fmt.Fprintf(out, "  ✗ %s: %v\n", contractDir, err)
		ok = false
	} else {
		fmt.Fprintf(out, "  ✓ contract at %s\n", contractDir)
	}
	fmt.Fprintln(out)

	if !ok {
		return fmt.Errorf("doctor check failed")
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}
