package editmode

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidScope = errors.New("invalid scope")

type ScopeKind string

const (
	ScopeContent ScopeKind = "content"
	ScopePage    ScopeKind = "page"
)

// Scope identifies what a staged change or lock applies to.
type Scope struct {
	Kind   ScopeKind
	Key    string
	Locale string
	Path   string
}

func ContentScope(key, locale string) string {
	return fmt.Sprintf("%s:%s:%s", ScopeContent, key, locale)
}

func PageScope(path string) string {
	return fmt.Sprintf("%s:%s", ScopePage, path)
}

// ParseScope accepts content:<key>:<locale> and page:<path>.
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
	switch ScopeKind(kind) {
	case ScopeContent:
		key, locale, ok := strings.Cut(rest, ":")
		if !ok || key == "" || locale == "" || strings.Contains(locale, ":") {
			return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
		}
		return Scope{Kind: ScopeContent, Key: key, Locale: strings.ToLower(locale)}, nil
	case ScopePage:
		if !strings.HasPrefix(rest, "/") {
			return Scope{}, fmt.Errorf("%w: page path must start with /: %q", ErrInvalidScope, raw)
		}
		return Scope{Kind: ScopePage, Path: rest}, nil
	default:
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
}

func (s Scope) String() string {
	if s.Kind == ScopePage {
		return PageScope(s.Path)
	}
	return ContentScope(s.Key, s.Locale)
}
