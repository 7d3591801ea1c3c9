// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package allowlist

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var embeddedRegistry []byte

// StreamKind names a class of long-running output.
type StreamKind string

const StreamLogs StreamKind = "logs"

var (
	opIDRe        = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	placeholderRe = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)
)

// segment is a fixed string or a placeholder reference within one token.
type segment struct {
	literal string
	name    string
}

// Arg declares one placeholder.
type Arg struct {
	Name      string
	Validator Validator
	Sensitive bool
}

// OperationSpec is one allowlisted operation. It is immutable once loaded.
type OperationSpec struct {
	ID          string
	Description string
	Template    []string
	Args        []Arg // template order
	Streaming   bool
	Kind        StreamKind
	Timeout     time.Duration // zero means the executor default
	Mutating    bool

	tokens [][]segment
}

// ArgNames returns declared placeholder names in template order.
func (s *OperationSpec) ArgNames() []string {
	out := make([]string, len(s.Args))
	for i, a := range s.Args {
		out[i] = a.Name
	}
	return out
}

func (s *OperationSpec) arg(name string) (Arg, bool) {
	for _, a := range s.Args {
		if a.Name == name {
			return a, true
		}
	}
	return Arg{}, false
}

// Registry is the closed set of operations.
type Registry struct {
	version int
	ops     map[string]*OperationSpec
	streams map[StreamKind]*OperationSpec
}

// Version is the registry revision recorded in audit entries.
func (r *Registry) Version() int { return r.version }

// Lookup finds an operation by ID.
func (r *Registry) Lookup(id string) (*OperationSpec, bool) {
	s, ok := r.ops[id]
	return s, ok
}

// StreamOperation returns the streaming operation serving kind.
func (r *Registry) StreamOperation(kind StreamKind) (*OperationSpec, bool) {
	s, ok := r.streams[kind]
	return s, ok
}

// Operations returns all specs sorted by ID.
func (r *Registry) Operations() []*OperationSpec {
	out := make([]*OperationSpec, 0, len(r.ops))
	for _, s := range r.ops {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fileArg struct {
	Validator string `yaml:"validator"`
	Sensitive bool   `yaml:"sensitive"`
}

type fileOp struct {
	ID          string             `yaml:"id"`
	Description string             `yaml:"description"`
	Template    []string           `yaml:"template"`
	Args        map[string]fileArg `yaml:"args"`
	TimeoutMs   int                `yaml:"timeoutMs"`
	Stream      string             `yaml:"stream"`
	Mutating    bool               `yaml:"mutating"`
}

type fileRegistry struct {
	Version    int      `yaml:"version"`
	Operations []fileOp `yaml:"operations"`
}

var loadDefault = sync.OnceValues(func() (*Registry, error) {
	return Parse(embeddedRegistry)
})

// Default returns the registry compiled into the binary.
func Default() (*Registry, error) {
	return loadDefault()
}

// Parse strictly decodes and checks a registry document.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc fileRegistry
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	if doc.Version <= 0 {
		return nil, errors.New("registry: version must be positive")
	}
	if len(doc.Operations) == 0 {
		return nil, errors.New("registry: no operations")
	}

	reg := &Registry{
		version: doc.Version,
		ops:     make(map[string]*OperationSpec, len(doc.Operations)),
		streams: make(map[StreamKind]*OperationSpec),
	}
	for _, fo := range doc.Operations {
		spec, err := buildSpec(fo)
		if err != nil {
			return nil, fmt.Errorf("registry: operation %q: %w", fo.ID, err)
		}
		if _, dup := reg.ops[spec.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate operation %q", spec.ID)
		}
		reg.ops[spec.ID] = spec
		if spec.Streaming {
			if prev, dup := reg.streams[spec.Kind]; dup {
				return nil, fmt.Errorf("registry: stream kind %q served by %q and %q", spec.Kind, prev.ID, spec.ID)
			}
			reg.streams[spec.Kind] = spec
		}
	}
	return reg, nil
}

func buildSpec(fo fileOp) (*OperationSpec, error) {
	if !opIDRe.MatchString(fo.ID) {
		return nil, errors.New("invalid id")
	}
	if len(fo.Template) == 0 {
		return nil, errors.New("empty template")
	}
	if fo.TimeoutMs < 0 {
		return nil, errors.New("negative timeoutMs")
	}

	spec := &OperationSpec{
		ID:          fo.ID,
		Description: fo.Description,
		Template:    append([]string(nil), fo.Template...),
		Mutating:    fo.Mutating,
		Timeout:     time.Duration(fo.TimeoutMs) * time.Millisecond,
	}
	if fo.Stream != "" {
		if fo.Stream != string(StreamLogs) {
			return nil, fmt.Errorf("unknown stream kind %q", fo.Stream)
		}
		spec.Streaming = true
		spec.Kind = StreamKind(fo.Stream)
	}

	used := make(map[string]bool)
	for i, tok := range fo.Template {
		segs, err := parseToken(tok)
		if err != nil {
			return nil, fmt.Errorf("template token %d: %w", i, err)
		}
		if i == 0 && (len(segs) != 1 || segs[0].name != "") {
			return nil, errors.New("first template token must be a fixed command name")
		}
		for _, sg := range segs {
			if sg.name == "" {
				continue
			}
			fa, ok := fo.Args[sg.name]
			if !ok {
				return nil, fmt.Errorf("placeholder {%s} is not declared", sg.name)
			}
			if used[sg.name] {
				continue
			}
			used[sg.name] = true
			v, ok := LookupValidator(fa.Validator)
			if !ok {
				return nil, fmt.Errorf("placeholder {%s}: unknown validator %q", sg.name, fa.Validator)
			}
			spec.Args = append(spec.Args, Arg{Name: sg.name, Validator: v, Sensitive: fa.Sensitive})
		}
		spec.tokens = append(spec.tokens, segs)
	}
	for name := range fo.Args {
		if !used[name] {
			return nil, fmt.Errorf("declared argument %q is not used by the template", name)
		}
	}
	return spec, nil
}

func parseToken(tok string) ([]segment, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}
	var segs []segment
	rest := tok
	for rest != "" {
		loc := placeholderRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			segs = append(segs, segment{literal: rest})
			break
		}
		if loc[0] > 0 {
			segs = append(segs, segment{literal: rest[:loc[0]]})
		}
		segs = append(segs, segment{name: rest[loc[2]:loc[3]]})
		rest = rest[loc[1]:]
	}
	for _, sg := range segs {
		if sg.name == "" && strings.ContainsAny(sg.literal, "{} \t\n") {
			return nil, fmt.Errorf("malformed token %q", tok)
		}
	}
	return segs, nil
}
