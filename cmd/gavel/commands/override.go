package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opengavel/gavel/pkg/override"
)

func newOverrideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage emergency override requests",
		Long: `Override manages the emergency override lifecycle: request,
approve, consume, revoke. Every transition requires the matching
capability grant in the configuration and is audited.`,
	}

	cmd.AddCommand(newOverrideRequestCommand())
	cmd.AddCommand(newOverrideApproveCommand())
	cmd.AddCommand(newOverrideConsumeCommand())
	cmd.AddCommand(newOverrideRevokeCommand())
	cmd.AddCommand(newOverrideListCommand())
	cmd.AddCommand(newOverrideSweepCommand())

	return cmd
}

func newOverrideRequestCommand() *cobra.Command {
	var (
		subjectRef    string
		justification string
		actor         string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an emergency override for a subject",
		Example: `  gavel override request --subject-ref sha256:1f3a... \
    --justification "vendor payment blocked by stale sanctions feed" --as alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			req, err := a.registry().Request(ctx, subjectRef, justification, actor)
			if err != nil {
				return err
			}
			a.tel.Metrics.RecordOverride("request", "ok")
			return printOverride(cmd.OutOrStdout(), req)
		},
	}

	cmd.Flags().StringVar(&subjectRef, "subject-ref", "", "subject reference the override covers")
	cmd.Flags().StringVar(&justification, "justification", "", "reason for the override")
	cmd.Flags().StringVar(&actor, "as", "", "requesting principal")
	_ = cmd.MarkFlagRequired("subject-ref")
	_ = cmd.MarkFlagRequired("justification")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

func newOverrideApproveCommand() *cobra.Command {
	var (
		actor     string
		signature string
	)

	cmd := &cobra.Command{
		Use:     "approve <request-id>",
		Short:   "Approve a pending override request",
		Example: `  gavel override approve ovr-42 --as bob`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			registry := a.registry()
			if err := registry.Approve(ctx, args[0], actor, signature); err != nil {
				a.tel.Metrics.RecordOverride("approve", "error")
				return err
			}
			a.tel.Metrics.RecordOverride("approve", "ok")
			req, err := registry.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printOverride(cmd.OutOrStdout(), req)
		},
	}

	cmd.Flags().StringVar(&actor, "as", "", "approving principal")
	cmd.Flags().StringVar(&signature, "signature", "", "approver signature over the request id")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

func newOverrideConsumeCommand() *cobra.Command {
	var subjectRef string

	cmd := &cobra.Command{
		Use:   "consume <request-id>",
		Short: "Consume an approved override, printing its token",
		Long: `Consume burns an approved override request and prints the
single-use token. The subject reference must match the one the override
was requested for. Normally 'gavel evaluate --override' consumes the
request itself; this command exists for inspection and recovery.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			token, err := a.registry().Consume(ctx, args[0], subjectRef)
			if err != nil {
				a.tel.Metrics.RecordOverride("consume", "error")
				return err
			}
			a.tel.Metrics.RecordOverride("consume", "ok")
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(token)
		},
	}

	cmd.Flags().StringVar(&subjectRef, "subject-ref", "", "subject reference the evaluation targets")
	_ = cmd.MarkFlagRequired("subject-ref")

	return cmd
}

func newOverrideRevokeCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:     "revoke <request-id>",
		Short:   "Revoke an override request",
		Example: `  gavel override revoke ovr-42 --as ops`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.registry().Revoke(ctx, args[0], actor); err != nil {
				return err
			}
			a.tel.Metrics.RecordOverride("revoke", "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "as", "", "revoking principal")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

func newOverrideListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List override requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			reqs, err := a.registry().List(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reqs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSUBJECT\tREQUESTOR\tAPPROVALS\tEXPIRES")
			for _, req := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					req.ID, req.Status, req.SubjectRef, req.Requestor,
					len(req.Approvals), req.RequiredApprovals,
					req.ExpiresAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	return cmd
}

func newOverrideSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue override requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			n, err := a.registry().Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d request(s)\n", n)
			return nil
		},
	}

	return cmd
}

func printOverride(w io.Writer, req *override.Request) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	}
	fmt.Fprintf(w, "%s  status=%s  approvals=%d/%d  expires=%s\n",
		req.ID, req.Status, len(req.Approvals), req.RequiredApprovals,
		req.ExpiresAt.Format("2006-01-02 15:04:05"))
	return nil
}
