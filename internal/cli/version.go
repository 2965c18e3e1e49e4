package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show memscout version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memscout v%s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// These are set by the build scripts.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)
