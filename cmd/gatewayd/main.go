package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Rotating SOCKS5 egress gateway",
		Long:  "Run the gatewayd rotating SOCKS5 egress gateway: a fixed pool of backend proxies acquired by IP-hungry clients and rotated on release",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to backend config file (JSON array or full config object)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
