package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"site-backup/internal/config"
	"site-backup/internal/crypt"
)

type decryptOptions struct {
	keyEnv        string
	keyFile       string
	passphraseEnv string
	force         bool
}

func newDecryptCommand(v *viper.Viper) *cobra.Command {
	opts := &decryptOptions{}

	cmd := &cobra.Command{
		Use:   "decrypt <file.enc> [output]",
		Short: "Decrypt a backup file produced by an encrypted run",
		Long: `Decrypt a file written by the encryption stage. The output defaults to the
input path without the .enc extension and is only created when the whole file
authenticates.

The key is taken from the flags, or from the encryption section of the
configuration when no flag is given.

Examples:
  site-backup decrypt backup/app.tar.gz.enc
  site-backup decrypt --key-file ~/.site-backup.key data.sql.enc /tmp/data.sql`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecrypt(cmd, v, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.keyEnv, "key-env", "", "environment variable holding the hex encoded key")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "file holding the raw 32 byte key")
	cmd.Flags().StringVar(&opts.passphraseEnv, "passphrase-env", "", "environment variable holding the passphrase")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing output file")
	cmd.MarkFlagsMutuallyExclusive("key-env", "key-file", "passphrase-env")
	return cmd
}

func (o *decryptOptions) encryptionConfig(v *viper.Viper) (config.EncryptionConfig, error) {
	if o.keyEnv != "" || o.keyFile != "" || o.passphraseEnv != "" {
		return config.EncryptionConfig{
			KeyEnv:        o.keyEnv,
			KeyFile:       config.ExpandHome(o.keyFile),
			PassphraseEnv: o.passphraseEnv,
		}, nil
	}

	var ec config.EncryptionConfig
	if err := v.UnmarshalKey("encryption", &ec); err != nil {
		return ec, fmt.Errorf("failed to read encryption configuration: %w", err)
	}
	ec.KeyFile = config.ExpandHome(ec.KeyFile)
	return ec, nil
}

func runDecrypt(cmd *cobra.Command, v *viper.Viper, opts *decryptOptions, args []string) error {
	src := args[0]
	dst := filepath.Join(filepath.Dir(src), crypt.DecryptedName(filepath.Base(src)))
	if len(args) == 2 {
		dst = args[1]
	}

	if !opts.force {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite it", dst)
		}
	}

	ec, err := opts.encryptionConfig(v)
	if err != nil {
		return err
	}
	keys, err := crypt.KeySourceFromConfig(ec)
	if err != nil {
		return err
	}

	written, err := crypt.DecryptFile(cmd.Context(), keys, src, dst)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", src, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s to %s (%d bytes, %s)\n", src, dst, written.Size, written.Checksum)
	return nil
}
