// Package cli implements the memscout command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "memscout",
	Short: "Process memory accounting from procfs",
	Long: `Memscout reads the kernel's per-process memory accounting
(smaps, pagemap, kpageflags) and reports VSS/RSS/PSS/USS, working sets,
swap attribution and per-mapping breakdowns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = buildLogger(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memscout.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("proc", "/proc", "procfs mount point")
	rootCmd.PersistentFlags().String("sys", "/sys", "sysfs mount point")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("proc", rootCmd.PersistentFlags().Lookup("proc"))
	viper.BindPFlag("sys", rootCmd.PersistentFlags().Lookup("sys"))

	rootCmd.AddCommand(showmapCmd)
	rootCmd.AddCommand(procrankCmd)
	rootCmd.AddCommand(procmemCmd)
	rootCmd.AddCommand(sysinfoCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(exporterCmd)
	rootCmd.AddCommand(elfCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".memscout")
	}

	viper.SetEnvPrefix("MEMSCOUT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func buildLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func procRoot() string { return viper.GetString("proc") }
func sysRoot() string  { return viper.GetString("sys") }
