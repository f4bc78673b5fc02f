package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("gatewayd", version)
			return nil
		},
	}
}
