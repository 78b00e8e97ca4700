package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
	"github.com/opengavel/gavel/pkg/response"
)

// Exit codes for graduated outcomes.
const (
	exitDenied   = 2
	exitPending  = 3
	exitLockdown = 4
)

func newEvaluateCommand() *cobra.Command {
	var (
		category   string
		subject    string
		caller     string
		session    string
		overrideID string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a subject against the active rule bundle",
		Long: `Evaluate runs the full decision pipeline: the subject is validated
against its category schema, a verified reference-data snapshot is
acquired, the rule bundle is evaluated, the verdict is appended to the
signed decision log, and the graduated response is printed.

Exit codes: 0 approved (warnings included), 2 denied, 3 pending
approval, 4 system lockdown.`,
		Example: `  # Evaluate a transaction from a file
  gavel evaluate --category transaction --subject payment.json --caller alice

  # Evaluate from stdin, consuming an approved override
  cat payment.json | gavel evaluate --category transaction --subject - \
    --caller alice --override ovr-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			raw, err := readSubject(subject)
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			keys, err := a.keyring()
			if err != nil {
				return err
			}
			dlog, closer, err := a.decisionLog(ctx, keys)
			if err != nil {
				return err
			}
			defer closer.Close()

			agg, err := a.aggregator()
			if err != nil {
				return err
			}

			bundle, err := policy.NewLoader(a.logger).Load(a.cfg.Bundle.Dir)
			if err != nil {
				return err
			}
			engine := policy.NewEngine(policy.EngineConfig{Budget: a.cfg.BudgetFor(category)}, a.logger)
			if err := engine.SetBundle(ctx, bundle); err != nil {
				return err
			}

			assembler := decision.NewAssembler(agg, a.logger)

			req := decision.AssembleRequest{
				Category: category,
				Subject:  raw,
				Caller:   caller,
				Session:  session,
				Sources:  a.cfg.SourcesFor(category),
			}

			in, snap, err := assembler.Assemble(ctx, req)
			if err != nil {
				return err
			}

			registry := a.registry()
			if overrideID != "" {
				// The token is bound to the canonical subject ref, so
				// it can only be consumed once assembly has produced
				// one. Consuming after assembly also keeps a failed
				// snapshot fetch from burning the single-use request.
				token, err := registry.Consume(ctx, overrideID, in.SubjectRef)
				if err != nil {
					return err
				}
				in.Override = token
			}

			evalCtx, span := a.tel.Tracer.StartEvaluationSpan(ctx, in.Context.RequestID, category)
			a.tel.Metrics.EvaluationStarted()
			verdict, err := engine.Evaluate(evalCtx, in, snap)
			a.tel.Metrics.EvaluationFinished()
			span.End()
			if err != nil {
				return err
			}

			sum := in.Summarize()
			rec, err := dlog.Append(verdict, sum)
			if err != nil {
				return err
			}
			if err := a.store.Decisions().Append(ctx, dlog.Size()-1, rec); err != nil {
				log.Warn().Err(err).Msg("failed to mirror decision record")
			}
			if verdict.Overridden {
				if err := registry.RecordConsumption(ctx, verdict.OverrideID, rec.ChainHash); err != nil {
					log.Warn().Err(err).Msg("failed to record override consumption")
				}
			}

			resp := response.NewHandler(a.tel.Events, a.logger).Handle(verdict, sum)
			resp.LogID = rec.ChainHash

			a.tel.Metrics.RecordDecision(verdict.Severity.String(), string(resp.Status), category, verdict.Elapsed)
			a.tel.Metrics.RecordLogAppend()
			for _, f := range verdict.Reasons {
				a.tel.Metrics.RecordFinding(f.Code, f.Severity.String())
			}

			if err := printResponse(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return statusErr(resp)
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "decision category (transaction, resource, document)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject JSON file path, or - for stdin")
	cmd.Flags().StringVar(&caller, "caller", "", "submitting identity")
	cmd.Flags().StringVar(&session, "session", "", "opaque session descriptor")
	cmd.Flags().StringVar(&overrideID, "override", "", "approved override request id to consume")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("caller")

	return cmd
}

func readSubject(path string) (json.RawMessage, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read subject from stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject: %w", err)
	}
	return raw, nil
}

func printResponse(w io.Writer, resp *response.Response) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintf(w, "%s  severity=%s  decision=%s\n", resp.Status, resp.Severity, resp.DecisionID)
	for _, msg := range resp.Messages {
		fmt.Fprintf(w, "  %s\n", msg)
	}
	if resp.OverrideAvailable {
		fmt.Fprintln(w, "  An emergency override may lift this denial; see 'gavel override request'.")
	}
	return nil
}

func statusErr(resp *response.Response) error {
	switch resp.Status {
	case response.StatusApproved, response.StatusApprovedWithWarnings:
		return nil
	case response.StatusPendingApproval:
		return &statusError{code: exitPending, msg: "decision pending approval"}
	case response.StatusSystemLockdown:
		return &statusError{code: exitLockdown, msg: "system lockdown"}
	default:
		return &statusError{code: exitDenied, msg: "decision denied"}
	}
}
