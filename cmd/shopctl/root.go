package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itgoyo/faka-usdt/internal/poller"
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command
type RootOptions struct {
	BaseURL  string
	Session  string
	Interval time.Duration
	JSON     bool
}

func (o *RootOptions) client() *poller.Client {
	return poller.NewClient(o.BaseURL)
}

// NewRootCommand builds the shopctl command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "shopctl",
		Short:         "Buy cards and subscriptions from a USDT shop",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.BaseURL == "" {
				return errors.New("--url must not be empty")
			}
			if opts.Interval <= 0 {
				return fmt.Errorf("invalid --interval %s", opts.Interval)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.BaseURL, "url", envOr("SHOP_URL", "http://localhost:8080"), "shop base URL")
	cmd.PersistentFlags().StringVar(&opts.Session, "session", envOr("SHOP_SESSION", ""), "buyer session id (random when empty)")
	cmd.PersistentFlags().DurationVar(&opts.Interval, "interval", poller.DefaultInterval, "check interval")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON")

	cmd.AddCommand(newCardsCommand(opts))
	cmd.AddCommand(newBuyCommand(opts))
	cmd.AddCommand(newSubscribeCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

func newCardsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cards",
		Short: "List cards in stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cards, err := opts.client().ListCards(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				return writeJSON(out, cards)
			}
			if len(cards) == 0 {
				fmt.Fprintln(out, "no cards available")
				return nil
			}
			for _, c := range cards {
				fmt.Fprintf(out, "%d\t%s\t%s USDT\t%d left\n", c.ID, c.Title, c.Price, c.AvailableCount)
			}
			return nil
		},
	}
}

func newBuyCommand(opts *RootOptions) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "buy <productId>",
		Short: "Open a card order and wait for payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || productID <= 0 {
				return fmt.Errorf("invalid product id %q", args[0])
			}
			ticket, err := opts.client().CreateCardOrder(cmd.Context(), productID, opts.session())
			if err != nil {
				return err
			}
			return opts.follow(cmd, ticket, noWait)
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the order and exit")
	return cmd
}

func newSubscribeCommand(opts *RootOptions) *cobra.Command {
	var (
		req      poller.SubscriptionRequest
		replaces []string
		noWait   bool
	)
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Open a channel-forwarding subscription order and wait for payment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := parseReplaces(replaces)
			if err != nil {
				return err
			}
			req.TextReplaces = rules
			req.SessionID = opts.session()
			ticket, err := opts.client().CreateSubscription(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.follow(cmd, ticket, noWait)
		},
	}
	cmd.Flags().StringVar(&req.SourceChannel, "source", "", "channel to forward from")
	cmd.Flags().StringVar(&req.TargetChannel, "target", "", "channel to forward to")
	cmd.Flags().StringArrayVar(&replaces, "replace", nil, "text rewrite as from=to (repeatable)")
	cmd.Flags().StringVar(&req.Keywords, "keywords", "", "keyword filter")
	cmd.Flags().StringVar(&req.ContactID, "contact", "", "messaging handle to reach you")
	cmd.Flags().StringVar(&req.Email, "email", "", "contact email")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the order and exit")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <orderId>",
		Short: "Run a single payment check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printStatus(cmd.OutOrStdout(), status)
		},
	}
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <orderId>",
		Short: "Poll an existing order until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := opts.client().GetOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.follow(cmd, ticket, false)
		},
	}
}

func (o *RootOptions) session() string {
	if o.Session == "" {
		o.Session = uuid.NewString()
	}
	return o.Session
}

// follow prints the payment instructions and, unless noWait, polls the order
// until it settles
func (o *RootOptions) follow(cmd *cobra.Command, ticket *poller.OrderTicket, noWait bool) error {
	out := cmd.OutOrStdout()
	if o.JSON && noWait {
		return writeJSON(out, ticket)
	}
	if !o.JSON {
		fmt.Fprintf(out, "Order %s (%s)\n", ticket.OrderID, ticket.Title)
		fmt.Fprintf(out, "Send exactly %s USDT to %s\n", ticket.Amount, ticket.WalletAddress)
		if ticket.PaymentURL != "" {
			fmt.Fprintf(out, "Or pay at %s\n", ticket.PaymentURL)
		}
	}
	if noWait {
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p := poller.New(o.client(), o.Interval, poller.DefaultCountdown)
	if !o.JSON {
		p.OnTick = func(status *poller.CheckStatus, remaining time.Duration) {
			fmt.Fprintf(out, "%s, %s left\n", status.Status, remaining.Truncate(time.Second))
		}
	}

	status, err := p.Run(ctx, ticket.OrderID, ticket.CreatedAt)
	if errors.Is(err, poller.ErrCountdownElapsed) {
		return fmt.Errorf("order %s was not paid in time", ticket.OrderID)
	}
	if err != nil {
		return err
	}
	return o.printStatus(out, status)
}

func (o *RootOptions) printStatus(out io.Writer, status *poller.CheckStatus) error {
	if o.JSON {
		return writeJSON(out, status)
	}
	switch {
	case status.Code != "":
		fmt.Fprintf(out, "%s: your code is %s\n", status.Status, status.Code)
	case status.ExpiresAt != nil:
		fmt.Fprintf(out, "%s: active until %s\n", status.Status, status.ExpiresAt.Local().Format(time.DateTime))
	default:
		fmt.Fprintln(out, status.Status)
	}
	return nil
}

func parseReplaces(specs []string) ([]poller.ReplaceRule, error) {
	rules := make([]poller.ReplaceRule, 0, len(specs))
	for _, s := range specs {
		from, to, ok := strings.Cut(s, "=")
		if !ok || from == "" {
			return nil, fmt.Errorf("invalid --replace %q, want from=to", s)
		}
		rules = append(rules, poller.ReplaceRule{From: from, To: to})
	}
	return rules, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
