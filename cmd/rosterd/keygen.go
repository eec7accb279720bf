package main

import (
	"fmt"

	"github.com/rosterd/rosterd/internal/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:         "keygen",
	Short:       "Generate a new hex-encoded encryption key for ENCRYPTION_KEY.",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationPlainOutput: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKeyHex()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
