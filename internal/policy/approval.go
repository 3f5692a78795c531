package policy

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ApprovalClaims: одобрение оператора на один инструмент для одного агента.
type ApprovalClaims struct {
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	jwt.RegisteredClaims
}

var ErrApprovalRequired = errors.New("approval_required")

// ApprovalVerifier проверяет внешне выданные токены одобрения (HS256 или RS256).
type ApprovalVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
}

func NewHMACVerifier(secret []byte) *ApprovalVerifier {
	return &ApprovalVerifier{secret: secret}
}

// NewRSAVerifier принимает PEM публичного ключа.
func NewRSAVerifier(pemData []byte) (*ApprovalVerifier, error) {
	if len(pemData) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &ApprovalVerifier{publicKey: key}, nil
}

// Verify проверяет подпись, срок и привязку токена к агенту и инструменту.
func (v *ApprovalVerifier) Verify(tokenStr, agentID, tool string) error {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return ErrApprovalRequired
	}

	claims := &ApprovalClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if v.secret == nil {
				break
			}
			return v.secret, nil
		case *jwt.SigningMethodRSA:
			if v.publicKey == nil {
				break
			}
			return v.publicKey, nil
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: invalid token: %v", ErrApprovalRequired, err)
	}

	if claims.AgentID != agentID || claims.Tool != tool {
		return fmt.Errorf("%w: token issued for %s/%s", ErrApprovalRequired, claims.AgentID, claims.Tool)
	}
	return nil
}

// IssueHMAC подписывает токен одобрения общим секретом. Используется оператором из CLI.
func IssueHMAC(secret []byte, agentID, tool string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ApprovalClaims{
		AgentID: agentID,
		Tool:    tool,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
