package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/ipc"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

func dialDaemon() (*ipc.Client, error) {
	client, err := ipc.NewClient(viper.GetString("socket_path"))
	if err != nil {
		return nil, fmt.Errorf("error connecting to daemon (is \"datafi serve\" running?): %w", err)
	}
	return client, nil
}

// send runs one daemon command and prints its result.
func send(command string, args ...string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.SendCommand(command, args, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(os.Stdout)
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's signer and mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdStatus)
	},
}

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "List data pools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdPools)
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool [pool-address]",
	Short: "Show one pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdPool, args[0])
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [pool-address]",
	Short: "Join a pool as a seller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdJoin, args[0])
	},
}

var poolCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a data pool signed by the daemon's wallet",
	Long: `Creates a pool with the daemon's signer as its creator. Requirements are
given as name:type or name:type:optional, for example
--requirement age_over_18:age --requirement newsletter:email:optional.
Price and budget are in wei.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := poolParamsFromFlags(cmd)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		return send(cmdPoolCreate, string(raw))
	},
}

func poolParamsFromFlags(cmd *cobra.Command) (contract.PoolParams, error) {
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	dataType, _ := cmd.Flags().GetString("data-type")
	specs, _ := cmd.Flags().GetStringArray("requirement")
	price, _ := cmd.Flags().GetString("price")
	budget, _ := cmd.Flags().GetString("budget")
	duration, _ := cmd.Flags().GetDuration("duration")

	params := contract.PoolParams{
		Name:        name,
		Description: description,
		DataType:    dataType,
		Deadline:    time.Now().Add(duration),
	}
	for _, spec := range specs {
		req, err := parseRequirement(spec)
		if err != nil {
			return contract.PoolParams{}, err
		}
		params.Requirements = append(params.Requirements, req)
	}
	var ok bool
	if params.PricePerData, ok = new(big.Int).SetString(price, 10); !ok {
		return contract.PoolParams{}, fmt.Errorf("invalid price %q", price)
	}
	if params.TotalBudget, ok = new(big.Int).SetString(budget, 10); !ok {
		return contract.PoolParams{}, fmt.Errorf("invalid budget %q", budget)
	}
	return params, params.Validate()
}

func parseRequirement(spec string) (contract.ProofRequirement, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || (len(parts) == 3 && parts[2] != "optional") {
		return contract.ProofRequirement{}, fmt.Errorf("requirement %q must be name:type or name:type:optional", spec)
	}
	proofType, err := contract.ParseProofType(parts[1])
	if err != nil {
		return contract.ProofRequirement{}, err
	}
	return contract.ProofRequirement{Name: parts[0], ProofType: proofType, IsRequired: len(parts) == 2}, nil
}

var flowCmd = &cobra.Command{
	Use:   "flow [pool-address]",
	Short: "Show verification progress in a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdFlow, args[0])
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance [pool-address]",
	Short: "Move to the next verification step once the current one is done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdAdvance, args[0])
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Identity verification step",
}

var identityBeginCmd = &cobra.Command{
	Use:   "begin [pool-address]",
	Short: "Get the identity app link for a pool",
	Long: `Prints the link to open (or render as a QR code) in the identity app. The app
reports back to the daemon's callback endpoint; run "datafi identity submit"
once "datafi flow" shows the step ready to submit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdIdentityBegin, args[0])
	},
}

var identitySubmitCmd = &cobra.Command{
	Use:   "submit [pool-address]",
	Short: "Submit a successful identity verification to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdIdentitySubmit, args[0])
	},
}

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Email proof steps",
}

var emailUploadCmd = &cobra.Command{
	Use:   "upload [pool-address] [file.eml]",
	Short: "Prove an invitation or subscription email",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		counterparty, _ := cmd.Flags().GetString("counterparty")

		if err := zkemail.CheckFileName(args[1]); err != nil {
			return err
		}
		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}

		return send(cmdEmailUpload, args[0], kind, filepath.Base(args[1]),
			base64.StdEncoding.EncodeToString(content), counterparty)
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List tracked verification, submission and purchase records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _ := cmd.Flags().GetString("pool")
		user, _ := cmd.Flags().GetString("user")
		sharedWith, _ := cmd.Flags().GetString("shared-with")
		recordType, _ := cmd.Flags().GetString("type")
		return send(cmdRecords, pool, user, sharedWith, recordType)
	},
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every tracked record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdRecordsClear)
	},
}

var submissionsCmd = &cobra.Command{
	Use:   "submissions [pool-address]",
	Short: "List submissions to a pool you created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdSubmissions, args[0])
	},
}

var reviewCmd = &cobra.Command{
	Use:       "review [pool-address] [record-id] [approve|reject]",
	Short:     "Approve or reject a submission",
	Args:      cobra.ExactArgs(3),
	ValidArgs: []string{"approve", "reject"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdReview, args...)
	},
}

var submissionsFetchCmd = &cobra.Command{
	Use:   "fetch [pool-address] [record-id]",
	Short: "Decrypt a submission shared with you",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return send(cmdSubmissionData, args...)
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()
		var result submissionDataResult
		if err := client.SendCommand(cmdSubmissionData, args, &result); err != nil {
			return err
		}
		if err := os.WriteFile(out, result.Data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(result.Data), out)
		return nil
	},
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase [pool-address] [record-id]",
	Short: "Buy the data behind a verified submission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmdPurchase, args...)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream verification progress from the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		return client.Subscribe(ctx, func(e events.Event) {
			enc.Encode(e)
		})
	},
}

func init() {
	identityCmd.AddCommand(identityBeginCmd)
	identityCmd.AddCommand(identitySubmitCmd)

	emailUploadCmd.Flags().String("kind", string(zkemail.KindInvitation), "email proof kind: invitation or subscription")
	emailUploadCmd.Flags().String("counterparty", "", "extra address to share the encrypted proof with")
	emailCmd.AddCommand(emailUploadCmd)

	recordsCmd.Flags().String("pool", "", "only records for this pool")
	recordsCmd.Flags().String("user", "", "only records for this user")
	recordsCmd.Flags().String("shared-with", "", "only records shared with this address")
	recordsCmd.Flags().String("type", "", "verification, data_submission or purchase")
	recordsCmd.AddCommand(recordsClearCmd)

	poolCreateCmd.Flags().String("name", "", "pool name")
	poolCreateCmd.Flags().String("description", "", "pool description")
	poolCreateCmd.Flags().String("data-type", "", "kind of data the pool buys")
	poolCreateCmd.Flags().StringArray("requirement", nil, "proof requirement as name:type[:optional], repeatable")
	poolCreateCmd.Flags().String("price", "", "price per data item in wei")
	poolCreateCmd.Flags().String("budget", "", "total budget in wei")
	poolCreateCmd.Flags().Duration("duration", 30*24*time.Hour, "how long the pool stays open")
	poolCmd.AddCommand(poolCreateCmd)

	submissionsFetchCmd.Flags().String("out", "", "write the decrypted data to this file instead of printing it")
	submissionsCmd.AddCommand(submissionsFetchCmd)
}
