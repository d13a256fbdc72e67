package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/agenthands/ddcstore/pkg/core"
)

// Action is a capability checked before a handler runs.
type Action string

const (
	ActionReadObject      Action = "ReadObject"
	ActionWriteObject     Action = "WriteObject"
	ActionEnumerateBucket Action = "EnumerateBucket"
	ActionDeleteObject    Action = "DeleteObject"
	ActionDeleteBucket    Action = "DeleteBucket"
	ActionDeleteNamespace Action = "DeleteNamespace"
	ActionAdmin           Action = "AdminAction"
)

var (
	ErrUnauthenticated = errors.New("ddc: missing or unknown token")
	ErrForbidden       = errors.New("ddc: action not allowed")
)

// Authorizer decides whether r may perform action on ns. An empty ns is
// used for actions that are not scoped to a namespace.
type Authorizer interface {
	Authorize(r *http.Request, ns core.NamespaceID, action Action) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request, ns core.NamespaceID, action Action) error

func (f AuthorizerFunc) Authorize(r *http.Request, ns core.NamespaceID, action Action) error {
	return f(r, ns, action)
}

// AllowAll grants everything.
var AllowAll Authorizer = AuthorizerFunc(func(*http.Request, core.NamespaceID, Action) error { return nil })

type staticAuthorizer struct {
	tokens map[string][]string
	admins []string
}

// NewStaticAuthorizer checks bearer tokens against cfg. Namespace tokens may
// read, write and delete objects and buckets of their namespaces; "*" grants
// every namespace. Deleting a namespace and admin actions need an admin
// token. With no tokens configured every request is allowed.
func NewStaticAuthorizer(cfg core.APIConfig) Authorizer {
	if len(cfg.Tokens) == 0 && len(cfg.AdminTokens) == 0 {
		return AllowAll
	}
	return &staticAuthorizer{tokens: cfg.Tokens, admins: cfg.AdminTokens}
}

func (a *staticAuthorizer) Authorize(r *http.Request, ns core.NamespaceID, action Action) error {
	token, ok := bearerToken(r)
	if !ok {
		return ErrUnauthenticated
	}
	if slices.Contains(a.admins, token) {
		return nil
	}
	namespaces, ok := a.tokens[token]
	if !ok {
		return ErrUnauthenticated
	}
	if action == ActionDeleteNamespace || action == ActionAdmin || ns == "" {
		return ErrForbidden
	}
	if slices.Contains(namespaces, "*") || slices.Contains(namespaces, string(ns)) {
		return nil
	}
	return ErrForbidden
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
