// Package directory resolves logical recipient refs ("user:u1", "role:oncall")
// to concrete contact methods.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrInvalidRef       = errors.New("invalid recipient ref")
)

type Kind string

const (
	KindUser       Kind = "user"
	KindRole       Kind = "role"
	KindBranch     Kind = "branch"
	KindDepartment Kind = "department"
)

// Ref is a parsed "kind:id" recipient reference.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Ref{}, fmt.Errorf("%w %q", ErrInvalidRef, s)
	}
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	switch k {
	case KindUser, KindRole, KindBranch, KindDepartment:
	default:
		return Ref{}, fmt.Errorf("%w %q: unknown kind", ErrInvalidRef, s)
	}
	return Ref{Kind: k, ID: strings.TrimSpace(id)}, nil
}

type ContactMethod struct {
	Channel  string `json:"channel"`
	Address  string `json:"address"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"isActive"`
}

// Directory resolves a ref to its active contact methods ordered by ascending
// priority.
type Directory interface {
	Resolve(ctx context.Context, ref string) ([]ContactMethod, error)
}

// Entry is one directory record. Group kinds (role, branch, department) may
// list user refs in Members; they are expanded one level deep.
type Entry struct {
	Members  []string
	Contacts []ContactMethod
}

// Static is an in-memory directory. It is safe for concurrent use and can be
// replaced wholesale on config reload.
type Static struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStatic(entries map[string]Entry) (*Static, error) {
	s := &Static{}
	if err := s.Replace(entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace validates entries and swaps them in.
func (s *Static) Replace(entries map[string]Entry) error {
	next := make(map[string]Entry, len(entries))
	for key, e := range entries {
		ref, err := ParseRef(key)
		if err != nil {
			return err
		}
		if ref.Kind == KindUser && len(e.Members) > 0 {
			return fmt.Errorf("%w %q: user entries cannot have members", ErrInvalidRef, key)
		}
		for _, m := range e.Members {
			if _, err := ParseRef(m); err != nil {
				return fmt.Errorf("%s: member: %w", key, err)
			}
		}
		next[ref.String()] = e
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Static) Resolve(ctx context.Context, raw string) ([]ContactMethod, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := ParseRef(raw)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRecipient, raw)
	}
	out := make([]ContactMethod, 0, len(e.Contacts))
	out = append(out, e.Contacts...)
	for _, m := range e.Members {
		mref, err := ParseRef(m)
		if err != nil {
			continue
		}
		if me, ok := s.entries[mref.String()]; ok {
			out = append(out, me.Contacts...)
		}
	}
	return Usable(out), nil
}

// Usable filters methods to active ones and sorts them by ascending priority,
// keeping input order for ties.
func Usable(methods []ContactMethod) []ContactMethod {
	out := make([]ContactMethod, 0, len(methods))
	for _, m := range methods {
		if m.IsActive && strings.TrimSpace(m.Address) != "" {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Func adapts a function to Directory.
type Func func(ctx context.Context, ref string) ([]ContactMethod, error)

func (f Func) Resolve(ctx context.Context, ref string) ([]ContactMethod, error) {
	return f(ctx, ref)
}
