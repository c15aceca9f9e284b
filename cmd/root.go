package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lierdakil/hoip/internal/config"
	"github.com/lierdakil/hoip/internal/logger"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"

	configPath string

	rootCmd = &cobra.Command{
		Use:   "hoip",
		Short: "HoIP - HID over IP",
		Long: `HoIP shares keyboard, mouse and other HID input devices over TCP/IP.
The capture side reads events from physical devices and, while a magic key
combo has them grabbed, streams them to one or more replay hosts. The replay
side reproduces the stream on a virtual input device via uinput.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Init(); err != nil {
				return err
			}
			if level := config.Get().Logging.LogLevel; level != "" {
				logger.SetLevel(level)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	// Add commands
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(dumpCmd)
}
