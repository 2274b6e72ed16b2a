package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "ctxdriver"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Discover Android webviews and route WebDriver commands to them",
	Long: `ctxdriver lists the debuggable webviews on an Android device and runs a
WebDriver command proxy that switches between the native context and
per-webview browser driver sessions.`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootOpts.configPath, "config", "", "Config file (default: nearest .ctxdriver.kdl)")
	flags.StringVarP(&rootOpts.serial, "serial", "s", "", "Device serial")
	flags.StringVar(&rootOpts.adb, "adb", "", "Path to adb")
	flags.StringVar(&rootOpts.socket, "socket", "", "Only consider this debug socket")
	flags.StringVar(&rootOpts.appPackage, "app-package", "", "Application package for the default webview")
	flags.StringVar(&rootOpts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&rootOpts.logFormat, "log-format", "", "Log format (console, json)")
	flags.BoolVar(&rootOpts.json, "json", false, "Write JSON even on a terminal")

	rootCmd.AddCommand(contextsCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
