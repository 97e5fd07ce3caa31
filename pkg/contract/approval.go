package contract

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// ApprovalClaims bind a signed approval to one action.
type ApprovalClaims struct {
	ActionID string `json:"action_id"`
	TenantID string `json:"tenant_id"`
	Kind     Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// ApprovalVerifier checks approval tokens on high-risk contracts. A nil
// verifier only requires the approval metadata fields to be present.
type ApprovalVerifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewApprovalVerifier returns a verifier for HS256 tokens signed with key.
// An empty issuer accepts any issuer.
func NewApprovalVerifier(key []byte, issuer string) *ApprovalVerifier {
	return &ApprovalVerifier{key: key, issuer: issuer, now: time.Now}
}

// WithClock overrides the verification clock.
func (v *ApprovalVerifier) WithClock(now func() time.Time) *ApprovalVerifier {
	v.now = now
	return v
}

// Verify checks c.Approval.Token against actionID.
func (v *ApprovalVerifier) Verify(c *ActionContract, actionID string) error {
	if v == nil {
		return nil
	}
	if c.Approval == nil || c.Approval.Token == "" {
		return perrors.Invalid("approval.token", "signed approval required for %s", c.Kind)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &ApprovalClaims{}
	_, err := jwt.ParseWithClaims(c.Approval.Token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return perrors.Invalid("approval.token", "approval expired")
		}
		return perrors.Invalid("approval.token", "invalid approval: %v", err)
	}

	switch {
	case claims.ActionID != actionID:
		return perrors.Invalid("approval.token", "approval issued for %s", claims.ActionID)
	case claims.TenantID != c.TenantID:
		return perrors.Invalid("approval.token", "approval issued for another tenant")
	case claims.Kind != c.Kind:
		return perrors.Invalid("approval.token", "approval issued for kind %s", claims.Kind)
	case claims.Subject != c.Approval.Approver:
		return perrors.Invalid("approval.token", "approver mismatch")
	}
	return nil
}

// SignApproval issues an approval token for actionID. It is used by approval
// tooling and tests.
func SignApproval(key []byte, issuer string, c *ActionContract, actionID string, ttl time.Duration, now time.Time) (string, error) {
	claims := ApprovalClaims{
		ActionID: actionID,
		TenantID: c.TenantID,
		Kind:     c.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   c.Approval.Approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
