// Package ticket implements the join-ticket verifier (component A): HMAC
// signature validation, claim checks, and replay-resistant single-use
// admission for short-lived tokens issued by an external service.
//
// Grounded on the HMAC-JWT verification pattern in
// drewpayment-orbit/services/plugins/internal/auth/jwt.go and
// xiiisorate-granula_api/auth-service/internal/service/jwt.go, which both
// parse a custom claims struct embedding jwt.RegisteredClaims with
// jwt.ParseWithClaims and an HMAC signing-method guard.
package ticket

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/logger"
)

// devFallbackSecret is permitted only outside production (§4.A, §9).
const devFallbackSecret = "colabd-dev-only-insecure-secret"

// Reason is a closed set of admission-rejection reasons (§4.A, §7).
type Reason string

const (
	ReasonMissing           Reason = "missing"
	ReasonInvalid           Reason = "invalid"
	ReasonExpired           Reason = "expired"
	ReasonWorkspaceMismatch Reason = "workspace_mismatch"
	ReasonUserMismatch      Reason = "user_mismatch"
	ReasonReplay            Reason = "replay"
)

// RejectError is returned by Verify on admission failure.
type RejectError struct {
	Reason Reason
}

func (e *RejectError) Error() string { return fmt.Sprintf("ticket rejected: %s", e.Reason) }

func reject(reason Reason) error { return &RejectError{Reason: reason} }

// Claims are the verified claims of a join ticket.
type Claims struct {
	WorkspaceID string `json:"workspaceId"`
	Username    string `json:"username,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// consumedTicket tracks a single-use jti and the (sub, workspaceId) pair
// that consumed it, so the same pair may replay it (reload/reconnect)
// while any other pair is rejected (§3 "Consumed-ticket map").
type consumedTicket struct {
	sub         string
	workspaceID string
	expiresAt   int64
}

// Verifier validates join tickets and enforces single-use semantics
// across the process.
type Verifier struct {
	isProduction bool

	mu       sync.Mutex
	consumed map[string]consumedTicket
}

// NewVerifier constructs a Verifier. isProduction gates the dev-fallback
// secret: a production deploy with no configured secret must refuse every
// admission rather than silently admit (§9).
func NewVerifier(isProduction bool) *Verifier {
	return &Verifier{
		isProduction: isProduction,
		consumed:     make(map[string]consumedTicket),
	}
}

// resolveSecret implements §4.A's secret resolution order: primary env,
// fallback env, then the dev-only hard-coded value (never in production).
func (v *Verifier) resolveSecret() ([]byte, error) {
	if s := os.Getenv("COLAB_JOIN_TOKEN_SECRET"); s != "" {
		return []byte(s), nil
	}
	if s := os.Getenv("CRON_SECRET"); s != "" {
		return []byte(s), nil
	}
	if v.isProduction {
		return nil, errors.New("no join-ticket secret configured in production")
	}
	return []byte(devFallbackSecret), nil
}

// Verify validates a bearer token against the claims it must carry and the
// optionally-supplied assertions echoed on the auth frame (§4.A). An empty
// assertedWorkspace/assertedUserID skips that particular cross-check.
func (v *Verifier) Verify(token, assertedWorkspace, assertedUserID string) (*Claims, error) {
	if token == "" {
		return nil, reject(ReasonMissing)
	}

	secret, err := v.resolveSecret()
	if err != nil {
		logger.Error("ticket verify: %v", err)
		return nil, reject(ReasonInvalid)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithAudience(protocol.TicketAudience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, reject(ReasonExpired)
		}
		return nil, reject(ReasonInvalid)
	}
	if !parsed.Valid {
		return nil, reject(ReasonInvalid)
	}

	if claims.Subject == "" || len(claims.Subject) > protocol.MaxUserIDLen {
		return nil, reject(ReasonInvalid)
	}
	if claims.WorkspaceID == "" || len(claims.WorkspaceID) > protocol.MaxUserIDLen {
		return nil, reject(ReasonInvalid)
	}
	if claims.ID == "" {
		return nil, reject(ReasonInvalid)
	}
	if claims.ExpiresAt == nil {
		return nil, reject(ReasonInvalid)
	}

	if assertedWorkspace != "" && assertedWorkspace != claims.WorkspaceID {
		return nil, reject(ReasonWorkspaceMismatch)
	}
	if assertedUserID != "" && assertedUserID != claims.Subject {
		return nil, reject(ReasonUserMismatch)
	}

	if err := v.checkAndConsume(claims.ID, claims.Subject, claims.WorkspaceID, claims.ExpiresAt.Unix()); err != nil {
		return nil, err
	}

	return claims, nil
}

// checkAndConsume prunes expired entries, rejects a jti replayed by a
// different (sub, workspaceId) pair, and otherwise records/refreshes the
// entry so the same pair may replay it until expiry (§3, §8 property 5).
func (v *Verifier) checkAndConsume(jti, sub, workspaceID string, expiresAt int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now().Unix()
	for k, entry := range v.consumed {
		if entry.expiresAt <= now {
			delete(v.consumed, k)
		}
	}

	if entry, ok := v.consumed[jti]; ok {
		if entry.sub != sub || entry.workspaceID != workspaceID {
			return reject(ReasonReplay)
		}
	}

	v.consumed[jti] = consumedTicket{sub: sub, workspaceID: workspaceID, expiresAt: expiresAt}
	return nil
}
