package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onetaplabs/mirror/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/onetaplabs/mirror/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror — Discord message-mirroring fabric",
	Long: "Mirror relays messages from monitored source servers into a single " +
		"destination server. Run `mirror collect` next to the session tokens and " +
		"`mirror publish` next to the destination bot.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $MIRROR_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mirror %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	return config.Path(cfgFile)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
