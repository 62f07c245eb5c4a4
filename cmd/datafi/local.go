package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/Maphikza/datafi-verifier.git/internal/proof"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
	"github.com/Maphikza/datafi-verifier.git/lib/signer"
)

var proofCmd = &cobra.Command{
	Use:   "proof",
	Short: "Proof utilities",
}

var proofGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print the proof reference for an email",
	Long: `Prints the 64 character proof reference for an email, either read from an
.eml file or given as --from, --subject and --date. The reference is a
placeholder, not a cryptographic commitment.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		claim, err := claimFromFlags(cmd)
		if err != nil {
			return err
		}
		ref := proof.GenerateProofReference(claim)

		if copyRef, _ := cmd.Flags().GetBool("copy"); copyRef {
			if err := clipboard.WriteAll(ref); err != nil {
				fmt.Fprintf(os.Stderr, "Could not copy to clipboard: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "Proof reference copied to clipboard")
			}
		}

		return json.NewEncoder(os.Stdout).Encode(struct {
			Claim     proof.EmailClaim `json:"claim"`
			Reference string           `json:"reference"`
		}{claim, ref})
	},
}

func claimFromFlags(cmd *cobra.Command) (proof.EmailClaim, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		if err := zkemail.CheckFileName(file); err != nil {
			return proof.EmailClaim{}, err
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return proof.EmailClaim{}, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return zkemail.ParseEmail(content)
	}

	from, _ := cmd.Flags().GetString("from")
	subject, _ := cmd.Flags().GetString("subject")
	date, _ := cmd.Flags().GetString("date")
	if from == "" || subject == "" || date == "" {
		return proof.EmailClaim{}, errors.New("either --file or all of --from, --subject and --date are required")
	}
	ts, err := parseDate(date)
	if err != nil {
		return proof.EmailClaim{}, err
	}
	return proof.EmailClaim{From: from, Subject: subject, Timestamp: ts.Unix()}, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate or restore the daemon's signer keys",
	Long: `Generates a new 24 word mnemonic, or restores one given with --mnemonic, and
prints the Ethereum address and nostr public key derived from it. Put the
mnemonic in .env as DATAFI_SIGNER_MNEMONIC.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mnemonic, _ := cmd.Flags().GetString("mnemonic")
		if mnemonic == "" {
			var err error
			if mnemonic, err = signer.NewMnemonic(); err != nil {
				return err
			}
		}

		keys, err := signer.FromMnemonic(mnemonic)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	},
}

func init() {
	proofGenerateCmd.Flags().String("file", "", "read the claim from an .eml file")
	proofGenerateCmd.Flags().String("from", "", "sender address")
	proofGenerateCmd.Flags().String("subject", "", "email subject")
	proofGenerateCmd.Flags().String("date", "", "send date (RFC 3339, RFC 1123 or YYYY-MM-DD)")
	proofGenerateCmd.Flags().Bool("copy", false, "copy the reference to the clipboard")
	proofCmd.AddCommand(proofGenerateCmd)

	keygenCmd.Flags().String("mnemonic", "", "restore from an existing mnemonic")
}
