package sip

import (
	"fmt"
	"strings"

	sipgo "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// Credentials answer 401/407 challenges.
type Credentials struct {
	Username string
	Password string
}

// Authorize adds an Authorization (401) or Proxy-Authorization (407) header
// to req answering the challenge carried in res.
func Authorize(req, res *Message, creds Credentials) error {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	raw := res.Get(challengeHeader)
	if raw == "" {
		return fmt.Errorf("sip: %d without %s", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(raw)
	if err != nil {
		return fmt.Errorf("sip: parse challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      req.RequestURI,
		Username: creds.Username,
		Password: creds.Password,
		Count:    1,
	})
	if err != nil {
		return fmt.Errorf("sip: compute digest: %w", err)
	}

	req.Set(authHeader, cred.String())
	return nil
}

// NewBranch returns an RFC 3261 compliant Via branch.
func NewBranch() string {
	return sipgo.GenerateBranch()
}

// NewTag returns a random From/To tag.
func NewTag() string {
	return token(10)
}

func NewCallID() string {
	return uuid.NewString()
}

func token(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
