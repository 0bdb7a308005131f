package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print mqttproxy's version and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Printf("mqttproxy version %s (%s)\n", Version, Commit)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
