package decision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/canonical"
	"github.com/opengavel/gavel/pkg/override"
	"github.com/opengavel/gavel/pkg/snapshot"
)

// AssembleRequest carries the raw material for one Input.
type AssembleRequest struct {
	// Category selects the subject schema.
	Category string

	// Subject is the raw subject payload.
	Subject json.RawMessage

	// Caller is the submitting identity.
	Caller string

	// Session is an opaque session descriptor.
	Session string

	// Sources names the reference-data sources the evaluation needs.
	Sources []string

	// Override is an optional consumed override token.
	Override *override.Token
}

// Assembler turns a raw subject plus context into a schema-valid,
// immutable Input with a consistent data snapshot.
type Assembler struct {
	validate *validator.Validate
	agg      *snapshot.Aggregator
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAssembler creates an input assembler backed by the given
// aggregator.
func NewAssembler(agg *snapshot.Aggregator, logger zerolog.Logger) *Assembler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report violations under json field names, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Assembler{
		validate: v,
		agg:      agg,
		logger:   logger.With().Str("component", "input-assembler").Logger(),
		now:      time.Now,
	}
}

// Assemble validates the subject against its category schema, acquires
// a verified snapshot of the requested sources, and stamps the
// evaluation timestamp exactly once. On schema failure it returns an
// InvalidInputError listing every violated field.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*Input, *snapshot.Snapshot, error) {
	subject, violations, err := a.validateSubject(req.Category, req.Subject)
	if err != nil {
		return nil, nil, err
	}
	if len(violations) > 0 {
		a.logger.Debug().
			Str("category", req.Category).
			Int("violations", len(violations)).
			Msg("Subject failed schema validation")
		return nil, nil, &InvalidInputError{Category: req.Category, Violations: violations}
	}

	var snap *snapshot.Snapshot
	var refs []DataSourceRef
	if len(req.Sources) > 0 {
		snap, err = a.agg.Fetch(ctx, req.Sources)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to acquire data snapshot: %w", err)
		}
		names := make([]string, 0, len(snap.Sources))
		for name := range snap.Sources {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rec := snap.Sources[name]
			refs = append(refs, DataSourceRef{
				Name:        name,
				FetchedAt:   rec.FetchedAt,
				ContentHash: rec.ContentHash,
				Signature:   base64.StdEncoding.EncodeToString(rec.Signature),
				Verified:    true,
			})
		}
	}

	// The canonical form of the validated subject, not the caller's raw
	// bytes, defines the subject reference. Equivalent payloads hash
	// identically regardless of field order or whitespace.
	canon, err := canonical.Marshal(subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to canonicalize subject: %w", err)
	}
	ref, err := canonical.Digest(subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute subject reference: %w", err)
	}

	in := &Input{
		Context: EvaluationContext{
			Timestamp: a.now(),
			RequestID: uuid.New().String(),
			Caller:    req.Caller,
			Session:   req.Session,
		},
		Category:        req.Category,
		Subject:         canon,
		SubjectRef:      ref,
		DataSourcesUsed: refs,
		Override:        req.Override,
	}

	a.logger.Debug().
		Str("request_id", in.Context.RequestID).
		Str("category", in.Category).
		Str("subject_ref", in.SubjectRef).
		Int("sources", len(refs)).
		Msg("Input assembled")

	return in, snap, nil
}

func (a *Assembler) validateSubject(category string, raw json.RawMessage) (any, []Violation, error) {
	if len(raw) == 0 {
		return nil, []Violation{{
			Field:   "subject",
			Rule:    "required",
			Message: "subject payload is required",
		}}, nil
	}

	var subject any
	var extra func() []Violation
	switch category {
	case CategoryTransaction:
		s := &TransactionSubject{}
		subject, extra = s, s.check
	case CategoryResource:
		subject = &ResourceSubject{}
	case CategoryDocument:
		subject = &DocumentSubject{}
	default:
		return nil, []Violation{{
			Field:   "category",
			Rule:    "oneof",
			Message: fmt.Sprintf("unknown subject category %q", category),
		}}, nil
	}

	if err := json.Unmarshal(raw, subject); err != nil {
		return nil, []Violation{{
			Field:   "subject",
			Rule:    "json",
			Message: fmt.Sprintf("subject is not valid %s json: %v", category, err),
		}}, nil
	}

	var violations []Violation
	if err := a.validate.Struct(subject); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, nil, fmt.Errorf("subject validation failed: %w", err)
		}
		for _, fe := range verrs {
			violations = append(violations, Violation{
				Field:   fe.Field(),
				Rule:    fe.Tag(),
				Message: violationMessage(fe),
			})
		}
	}
	if extra != nil {
		violations = append(violations, extra()...)
	}
	return subject, violations, nil
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", fe.Field(), fe.Param())
	case "iso4217":
		return fmt.Sprintf("field '%s' must be an ISO 4217 currency code", fe.Field())
	case "email":
		return fmt.Sprintf("field '%s' must be a valid email address", fe.Field())
	case "startswith":
		return fmt.Sprintf("field '%s' must start with %q", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag())
	}
}
