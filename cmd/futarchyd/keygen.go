package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/futarchy/internal/crypto"
)

var (
	keygenOut      string
	keygenPassword string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an engine identity key",
	Long: `keygen creates a new secp256k1 identity. With --out the key is sealed
with --password (or FUTARCHY_KEY_PASSWORD) into an encrypted key file;
otherwise the raw key is printed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, err := crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if keygenOut == "" {
			fmt.Fprintln(out, "address:    ", id.Address().Hex())
			fmt.Fprintln(out, "private_key:", id.PrivateKeyHex())
			return nil
		}

		password := keygenPassword
		if password == "" {
			password = os.Getenv("FUTARCHY_KEY_PASSWORD")
		}
		if password == "" {
			return errors.New("keygen: --password or FUTARCHY_KEY_PASSWORD is required with --out")
		}
		sealed, err := crypto.EncryptKey(id, password)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keygenOut, sealed, 0o600); err != nil {
			return fmt.Errorf("keygen: write %s: %w", keygenOut, err)
		}
		fmt.Fprintln(out, "address:", id.Address().Hex())
		fmt.Fprintln(out, "key file:", keygenOut)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write an encrypted key file to this path")
	keygenCmd.Flags().StringVar(&keygenPassword, "password", "", "password for the encrypted key file")
}
