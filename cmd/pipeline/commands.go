package main

import (
	"fmt"

	"github.com/ksred/klear-sweep/internal/approval"
	"github.com/ksred/klear-sweep/internal/demo"
	"github.com/ksred/klear-sweep/internal/execution"
	"github.com/ksred/klear-sweep/internal/payments"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/sweep"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	var opts demo.Options
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo merchants, members, brokers and prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := demo.Seed(cmd.Context(), a.DB, opts)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().IntVar(&opts.Merchants, "merchants", 3, "Number of merchants")
	cmd.Flags().IntVar(&opts.MembersPerMerchant, "members", 20, "Members per merchant")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "Random seed")
	return cmd
}

func stageCmd() *cobra.Command {
	var (
		scope   staging.Scope
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage (or refresh) a batch from member elections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if preview {
				result, err := a.Staging.Preview(cmd.Context(), scope)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			result, err := a.Staging.Prepare(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&scope.MerchantID, "merchant", "", "Restrict to one merchant")
	cmd.Flags().BoolVar(&preview, "preview", false, "Show what would be staged without writing")
	return cmd
}

func approveCmd() *cobra.Command {
	var (
		operator     string
		summary      bool
		refreshCount int
		orders       int
		total        string
	)
	cmd := &cobra.Command{
		Use:   "approve [batch_id]",
		Short: "Approve a staged batch, creating pending orders",
		Long: `Approve a staged batch, creating pending orders.

Approval is irreversible and must confirm the batch summary: pass the
refresh count, order count and total amount shown by --summary. A batch that
no longer matches them is left staged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			flags := cmd.Flags()
			confirmed := flags.Changed("refresh-count") && flags.Changed("orders") && flags.Changed("total")
			if summary || !confirmed {
				result, err := a.Approval.Summary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printJSON(result); err != nil {
					return err
				}
				if summary {
					return nil
				}
				c := result.Confirmation
				return fmt.Errorf("approval not confirmed: re-run with --refresh-count %d --orders %d --total %s",
					*c.RefreshCount, *c.TotalOrders, c.TotalAmount.StringFixed(2))
			}

			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("invalid --total %q: %w", total, err)
			}
			confirm := approval.Confirmation{RefreshCount: &refreshCount, TotalOrders: &orders, TotalAmount: &amount}
			result, err := a.Approval.Approve(cmd.Context(), args[0], operator, confirm)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "cli", "Operator recorded on the batch")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show the confirmation summary instead of approving")
	cmd.Flags().IntVar(&refreshCount, "refresh-count", 0, "Confirmed refresh count of the batch")
	cmd.Flags().IntVar(&orders, "orders", 0, "Confirmed number of orders")
	cmd.Flags().StringVar(&total, "total", "", "Confirmed total amount")
	return cmd
}

func sweepCmd() *cobra.Command {
	var (
		scope   sweep.Scope
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch approved pending orders to brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			scope.Manual = true
			if preview {
				result, err := a.Sweep.Preview(cmd.Context(), scope)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			result, err := a.Sweep.Run(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&scope.MerchantID, "merchant", "", "Restrict to one merchant (bypasses its sweep schedule)")
	cmd.Flags().StringVar(&scope.Broker, "broker", "", "Restrict to one broker")
	cmd.Flags().BoolVar(&preview, "preview", false, "Show eligible feeds without dispatching")
	return cmd
}

func executeCmd() *cobra.Command {
	var filter execution.Filter
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Fill placed orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Execution.Execute(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&filter.MerchantID, "merchant", "", "Restrict to one merchant")
	cmd.Flags().StringVar(&filter.BasketID, "basket", "", "Restrict to one basket")
	return cmd
}

func settleCmd() *cobra.Command {
	var merchantID, brokerName string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Group unpaid orders into payment batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if merchantID != "" && brokerName != "" {
				result, err := a.Payments.Process(ctx, merchantID, brokerName)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			if brokerName != "" {
				return fmt.Errorf("--broker requires --merchant")
			}

			progress := func(current, total int, merchant, broker string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] %s / %s\n", current, total, merchant, broker)
			}
			if merchantID != "" {
				result, err := a.Payments.ProcessMerchant(ctx, merchantID, progress)
				if err != nil {
					return err
				}
				return printJSON(result)
			}
			result, err := a.Payments.ProcessAll(ctx, progress)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&merchantID, "merchant", "", "Settle one merchant")
	cmd.Flags().StringVar(&brokerName, "broker", "", "Settle one merchant and broker pair (requires --merchant)")
	return cmd
}

func cancelCmd() *cobra.Command {
	var (
		operator   string
		keepLedger bool
		orders     int
		total      string
	)
	cmd := &cobra.Command{
		Use:   "cancel [payment_batch_id]",
		Short: "Cancel a payment batch and return its orders to the unpaid pool",
		Long: `Cancel a payment batch and return its orders to the unpaid pool.

Cancellation must confirm the batch detail: pass the order count and total
amount it shows. Without them the detail is printed and nothing changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			flags := cmd.Flags()
			if !flags.Changed("orders") || !flags.Changed("total") {
				detail, err := a.Payments.Detail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printJSON(detail); err != nil {
					return err
				}
				return fmt.Errorf("cancellation not confirmed: re-run with --orders %d --total %s",
					detail.Batch.OrderCount, detail.Batch.TotalAmount.StringFixed(2))
			}

			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("invalid --total %q: %w", total, err)
			}
			removeLedger := !keepLedger
			req := payments.CancelRequest{
				BatchID:      args[0],
				RemoveLedger: &removeLedger,
				OrderCount:   &orders,
				TotalAmount:  &amount,
			}
			result, err := a.Payments.Cancel(cmd.Context(), req, operator)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "cli", "Operator recorded on the batch")
	cmd.Flags().BoolVar(&keepLedger, "keep-ledger", false, "Keep the batch's ledger entries")
	cmd.Flags().IntVar(&orders, "orders", 0, "Confirmed number of orders in the batch")
	cmd.Flags().StringVar(&total, "total", "", "Confirmed total amount of the batch")
	return cmd
}

func traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace [id]",
		Short: "Show every record linked to an order, basket, batch, execution or payment id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			trace, err := a.Lineage.Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(trace)
		},
	}
}
