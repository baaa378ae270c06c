package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectResolver ties the "subject" and "decided_by" identities to the
// authenticated caller instead of trusting caller-supplied strings. With a
// signing secret configured, a valid Bearer token's sub claim overrides
// whatever the request body says; without one (dev mode) the body value is
// accepted as-is.
type SubjectResolver struct {
	secret []byte
}

// NewSubjectResolver creates a resolver. An empty secret disables
// authentication.
func NewSubjectResolver(secret string) *SubjectResolver {
	if secret == "" {
		return &SubjectResolver{}
	}
	return &SubjectResolver{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (s *SubjectResolver) Enabled() bool { return len(s.secret) > 0 }

// Resolve returns the effective subject for the request. claimed is the
// caller-supplied fallback used only when auth is disabled.
func (s *SubjectResolver) Resolve(r *http.Request, claimed string) (string, error) {
	if !s.Enabled() {
		if claimed == "" {
			return "local", nil
		}
		return claimed, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		slog.Debug("token rejected", "error", err)
		return "", fmt.Errorf("invalid token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	if claimed != "" && claimed != sub {
		slog.Debug("caller-supplied subject overridden by token",
			"claimed", claimed, "subject", sub)
	}
	return sub, nil
}
