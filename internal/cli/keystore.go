package cli

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmconsole/internal/crypto"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Create a disk encryption key store",
	Long: `Generate a fresh disk encryption key, wrap it with a password read from
stdin and print the key store descriptor to put under key_stores in the
machine definition.`,
	Args: cobra.NoArgs,
	RunE: runKeystore,
}

var keystoreIterations int

func init() {
	keystoreCmd.Flags().IntVar(&keystoreIterations, "iterations", crypto.DefaultIterations, "PBKDF2 iterations")
}

func runKeystore(cmd *cobra.Command, args []string) error {
	desc, err := newKeyStore(cmd.InOrStdin(), keystoreIterations)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), desc)
	return nil
}

// newKeyStore reads the password from the first line of r.
func newKeyStore(r io.Reader, iterations int) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}

	mod, err := crypto.Load()
	if err != nil {
		return "", err
	}
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	defer clear(dek)

	ks, err := mod.WrapKey(dek, password, iterations)
	if err != nil {
		return "", err
	}
	return ks.Encode()
}
