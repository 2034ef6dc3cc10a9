package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"creditlane/sdk/go/creditlane"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	apiURL  string
	keyHex  string
	chainID uint64

	issueAmount      uint32
	issuePrice       uint32
	issueProjectType string
	issueHash        string

	orderCreditID int64
	orderAmount   uint32
	orderMaxPrice uint32

	decryptBalances bool

	eventsType  string
	eventsAfter int64
	eventsLimit int
)

func main() {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Carbon credit marketplace client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("CREDITLANE_API", "http://localhost:8090"), "market service base URL")
	root.PersistentFlags().StringVar(&keyHex, "key", os.Getenv("CREDITLANE_KEY"), "hex secp256k1 private key for signing")
	root.PersistentFlags().Uint64Var(&chainID, "chain-id", 31337, "chain id for decrypt authorizations")

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register the key's address as a marketplace user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			balances, err := c.RegisterUser(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(balances)
		},
	}

	authorizeCmd := &cobra.Command{
		Use:   "authorize <address>",
		Short: "Authorize an address as a credit issuer (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			if err := c.AuthorizeIssuer(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(map[string]any{"authorized": args[0]})
		},
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new carbon credit lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			credit, err := c.IssueCredits(cmd.Context(), creditlane.IssueCreditsRequest{
				Amount:           issueAmount,
				Price:            issuePrice,
				ProjectType:      issueProjectType,
				VerificationHash: issueHash,
			}, creditlane.NewIdempotencyKey())
			if err != nil {
				return err
			}
			return printJSON(credit)
		},
	}
	issueCmd.Flags().Uint32Var(&issueAmount, "amount", 0, "credit amount (tonnes)")
	issueCmd.Flags().Uint32Var(&issuePrice, "price", 0, "price per credit")
	issueCmd.Flags().StringVar(&issueProjectType, "project-type", "", "project type label")
	issueCmd.Flags().StringVar(&issueHash, "verification-hash", "", "32-byte verification hash, hex")

	verifyCmd := &cobra.Command{
		Use:   "verify <credit_id>",
		Short: "Update a credit's verification hash (issuer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("credit_id must be an integer: %w", err)
			}
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			if err := c.UpdateVerification(cmd.Context(), id, issueHash); err != nil {
				return err
			}
			return printJSON(map[string]any{"credit_id": id, "verification_hash": issueHash})
		},
	}
	verifyCmd.Flags().StringVar(&issueHash, "verification-hash", "", "32-byte verification hash, hex")

	orderCmd := &cobra.Command{Use: "order", Short: "Buy order management"}

	orderCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a buy order against a credit lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			order, err := c.CreateBuyOrder(cmd.Context(), creditlane.CreateBuyOrderRequest{
				CreditID: orderCreditID,
				Amount:   orderAmount,
				MaxPrice: orderMaxPrice,
			}, creditlane.NewIdempotencyKey())
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	}
	orderCreateCmd.Flags().Int64Var(&orderCreditID, "credit", 0, "credit id to buy from")
	orderCreateCmd.Flags().Uint32Var(&orderAmount, "amount", 0, "amount to buy")
	orderCreateCmd.Flags().Uint32Var(&orderMaxPrice, "max-price", 0, "maximum price per credit")

	orderCancelCmd := &cobra.Command{
		Use:   "cancel <order_id>",
		Short: "Cancel an active buy order (buyer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("order_id must be an integer: %w", err)
			}
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			order, err := c.CancelOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	}

	orderGetCmd := &cobra.Command{
		Use:   "get <order_id>",
		Short: "Show an order's public fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("order_id must be an integer: %w", err)
			}
			c := publicClient()
			order, err := c.GetOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	}
	orderCmd.AddCommand(orderCreateCmd, orderCancelCmd, orderGetCmd)

	tradeCmd := &cobra.Command{
		Use:   "trade <order_id>",
		Short: "Execute a buy order (seller only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("order_id must be an integer: %w", err)
			}
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			order, err := c.ExecuteTrade(cmd.Context(), id, creditlane.NewIdempotencyKey())
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	}

	depositCmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit payment tokens into the caller's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be an unsigned integer: %w", err)
			}
			c, _, err := signedClient()
			if err != nil {
				return err
			}
			if err := c.DepositTokens(cmd.Context(), amount); err != nil {
				return err
			}
			return printJSON(map[string]any{"deposited": amount})
		},
	}

	balancesCmd := &cobra.Command{
		Use:   "balances",
		Short: "Show the caller's balance handles, optionally decrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, key, err := signedClient()
			if err != nil {
				return err
			}
			balances, err := c.MyBalances(cmd.Context())
			if err != nil {
				return err
			}
			if !decryptBalances {
				return printJSON(balances)
			}
			tokens, err := c.Decrypt(cmd.Context(), key, balances.TokenBalance)
			if err != nil {
				return err
			}
			credits, err := c.Decrypt(cmd.Context(), key, balances.CreditBalance)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"token_balance": tokens, "credit_balance": credits})
		},
	}
	balancesCmd.Flags().BoolVar(&decryptBalances, "decrypt", false, "decrypt balances via the gateway")

	creditCmd := &cobra.Command{
		Use:   "credit <credit_id>",
		Short: "Show a credit's public fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("credit_id must be an integer: %w", err)
			}
			credit, err := publicClient().GetCredit(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(credit)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show marketplace totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := publicClient().SystemStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List marketplace events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := publicClient().Events(cmd.Context(), creditlane.EventFilter{
				Type:    eventsType,
				AfterID: eventsAfter,
				Limit:   eventsLimit,
			})
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printJSON(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "return events after this event id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "maximum events to return")

	root.AddCommand(registerCmd, authorizeCmd, issueCmd, verifyCmd, orderCmd, tradeCmd, depositCmd, balancesCmd, creditCmd, statsCmd, eventsCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signedClient() (*creditlane.Client, *ecdsa.PrivateKey, error) {
	if keyHex == "" {
		return nil, nil, fmt.Errorf("a signing key is required: pass --key or set CREDITLANE_KEY")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signing key: %w", err)
	}
	c := creditlane.NewClient(apiURL, creditlane.KeyAuth{Key: key}, creditlane.WithChainID(chainID))
	return c, key, nil
}

func publicClient() *creditlane.Client {
	return creditlane.NewClient(apiURL, nil, creditlane.WithChainID(chainID))
}

func printJSON(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
