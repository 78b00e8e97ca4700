package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// ValidationError is one configuration error with source location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return e.Message
}

// ParseError aggregates every validation error found in one load.
type ParseError struct {
	Errors []ValidationError
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Parser loads and validates engine configuration written in CUE.
type Parser struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewParser creates a configuration parser.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	return &Parser{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Config")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Load reads, validates, decodes and normalizes a configuration file.
func (p *Parser) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return p.load(string(content), path)
}

// LoadInline parses inline CUE content.
func (p *Parser) LoadInline(content string) (*Config, error) {
	return p.load(content, "inline")
}

func (p *Parser) load(content, filename string) (*Config, error) {
	val := p.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := p.validate.Struct(&cfg); err != nil {
		return nil, &ParseError{Errors: convertValidatorErrors(err)}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, &ParseError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}

	return &cfg, nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func convertValidatorErrors(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Message: fmt.Sprintf("field %s failed %q validation", fe.Namespace(), fe.Tag()),
		})
	}
	return out
}
