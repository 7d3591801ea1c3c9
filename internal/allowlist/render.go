// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package allowlist turns an operation ID and caller-supplied arguments into
// a fully rendered argv, or rejects the request before anything reaches the
// remote host.
//
// Every template token renders to exactly one argv element. Values are
// validated per placeholder and never re-parsed. Keys that the operation
// does not declare are rejected.
package allowlist

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/gwerr"
	"github.com/ManuGH/dokkugw/internal/metrics"
	"github.com/google/uuid"
)

// ErrConsumed is returned when an Invocation is consumed a second time.
var ErrConsumed = errors.New("allowlist: invocation already consumed")

const redacted = "***"

// Invocation is a validated, fully rendered request to run one operation.
// It is consumed exactly once by the executor or the stream broker.
type Invocation struct {
	ID        string
	Spec      *OperationSpec
	Values    map[string]string
	Argv      []string
	Identity  auth.Identity
	RequestID string
	CreatedAt time.Time

	consumed atomic.Bool
}

// Consume marks the invocation as used. Only the first call succeeds.
func (inv *Invocation) Consume() error {
	if !inv.consumed.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	return nil
}

// RedactedArgv is Argv with sensitive placeholder values masked, for logs
// and audit records.
func (inv *Invocation) RedactedArgv() []string {
	masked := make(map[string]string, len(inv.Values))
	for k, v := range inv.Values {
		masked[k] = v
		if a, ok := inv.Spec.arg(k); ok && a.Sensitive {
			masked[k] = redacted
		}
	}
	return inv.Spec.render(masked, false)
}

// RedactedValues masks sensitive argument values.
func (inv *Invocation) RedactedValues() map[string]string {
	out := make(map[string]string, len(inv.Values))
	for k, v := range inv.Values {
		if a, ok := inv.Spec.arg(k); ok && a.Sensitive {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func (s *OperationSpec) render(values map[string]string, transform bool) []string {
	argv := make([]string, 0, len(s.tokens))
	var b strings.Builder
	for _, segs := range s.tokens {
		b.Reset()
		for _, sg := range segs {
			if sg.name == "" {
				b.WriteString(sg.literal)
				continue
			}
			v := values[sg.name]
			if transform {
				if a, ok := s.arg(sg.name); ok && a.Validator.Transform != nil {
					v = a.Validator.Transform(v)
				}
			}
			b.WriteString(v)
		}
		argv = append(argv, b.String())
	}
	return argv
}

// Render validates rawArgs against operation opID and builds its argv.
func (r *Registry) Render(opID string, rawArgs map[string]string, identity auth.Identity) (*Invocation, error) {
	spec, ok := r.Lookup(opID)
	if !ok {
		metrics.IncRenderRejected(string(gwerr.KindUnknownOperation))
		return nil, gwerr.UnknownOperation(opID)
	}
	return r.RenderSpec(spec, rawArgs, identity)
}

// RenderSpec is Render for an already resolved spec.
func (r *Registry) RenderSpec(spec *OperationSpec, rawArgs map[string]string, identity auth.Identity) (*Invocation, error) {
	values := make(map[string]string, len(spec.Args))
	for _, a := range spec.Args {
		v, ok := rawArgs[a.Name]
		if !ok {
			metrics.IncRenderRejected(string(gwerr.KindMissingArgument))
			return nil, gwerr.MissingArgument(spec.ID, a.Name)
		}
		if err := a.Validator.Check(v); err != nil {
			metrics.IncRenderRejected(string(gwerr.KindInvalidArgument))
			return nil, gwerr.InvalidArgument(spec.ID, a.Name, err.Error())
		}
		values[a.Name] = v
	}

	if len(rawArgs) > len(values) {
		extra := make([]string, 0, len(rawArgs)-len(values))
		for k := range rawArgs {
			if _, ok := values[k]; !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		metrics.IncRenderRejected(string(gwerr.KindInvalidArgument))
		return nil, gwerr.InvalidArgument(spec.ID, extra[0], "not accepted by this operation")
	}

	return &Invocation{
		ID:        uuid.NewString(),
		Spec:      spec,
		Values:    values,
		Argv:      spec.render(values, true),
		Identity:  identity,
		CreatedAt: time.Now(),
	}, nil
}
