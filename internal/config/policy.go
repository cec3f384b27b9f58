package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/reconcile"
)

//go:embed schema.cue
var policySchema []byte

//go:embed default_policy.cue
var defaultPolicy []byte

// DefaultPolicySource returns the built-in policy document.
func DefaultPolicySource() []byte {
	return append([]byte(nil), defaultPolicy...)
}

// PolicyError reports an invalid policy document, with the position of the
// offending value when CUE knows it.
type PolicyError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *PolicyError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type policyDoc struct {
	Ranks []struct {
		Rank   string   `json:"rank"`
		Roles  []string `json:"roles"`
		Symbol string   `json:"symbol"`
	} `json:"ranks"`
	GracePeriod   string `json:"grace_period"`
	FlapThreshold int    `json:"flap_threshold"`
	FlapWindow    string `json:"flap_window"`
	Nicknames     bool   `json:"nicknames"`
}

// LoadPolicy reads a CUE policy file. An empty path loads the built-in
// policy.
func LoadPolicy(path string) (reconcile.Policy, error) {
	if path == "" {
		return ParsePolicy("default_policy.cue", defaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return reconcile.Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(path, data)
}

// ParsePolicy validates src against the policy schema and converts it.
// filename is only used in error positions.
func ParsePolicy(filename string, src []byte) (reconcile.Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(policySchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return reconcile.Policy{}, fmt.Errorf("policy schema: %w", err)
	}
	doc := ctx.CompileBytes(src, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return reconcile.Policy{}, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Policy")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return reconcile.Policy{}, formatCUEError(err)
	}

	var d policyDoc
	if err := v.Decode(&d); err != nil {
		return reconcile.Policy{}, formatCUEError(err)
	}

	p := reconcile.Policy{FlapThreshold: d.FlapThreshold, Nicknames: d.Nicknames}
	var err error
	if p.GracePeriod, err = time.ParseDuration(d.GracePeriod); err != nil {
		return reconcile.Policy{}, &PolicyError{Field: "grace_period", Message: err.Error()}
	}
	if p.FlapWindow, err = time.ParseDuration(d.FlapWindow); err != nil {
		return reconcile.Policy{}, &PolicyError{Field: "flap_window", Message: err.Error()}
	}
	for _, r := range d.Ranks {
		p.Ranks = append(p.Ranks, reconcile.RankRule{Rank: ir.Rank(r.Rank), Roles: r.Roles, Symbol: r.Symbol})
	}
	if err := p.Validate(); err != nil {
		return reconcile.Policy{}, &PolicyError{Field: "policy", Message: err.Error()}
	}
	return p, nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := "cue"
	if path := first.Path(); len(path) > 0 {
		field = strings.Join(path, ".")
	}
	pe := &PolicyError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		pe.Pos = positions[0]
	}
	return pe
}
