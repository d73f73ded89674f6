package utils // package utils provides helpers for session tokens, random values and token sealing

import (
    "crypto/rand"
    "crypto/sha256"
    "encoding/base64"
    "encoding/hex"
    "errors"
    "fmt"
    "time"

    "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned when a session token fails verification.
var ErrInvalidSession = errors.New("invalid session token")

// SessionToken is a signed HS256 JWT identifying a Procore user together
// with its expiry.  It is handed to the frontend after a successful OAuth
// callback and presented back on user-scoped routes.
type SessionToken struct {
    Token string    // the serialized JWT string
    Exp   time.Time // the UTC expiration time
}

// NewSessionToken signs a session for the given Procore user.  The subject
// claim carries the user id; companies is informational.
func NewSessionToken(secret, procoreUserID string, ttlMin int) (SessionToken, error) {
    if secret == "" {
        return SessionToken{}, errors.New("session secret is empty")
    }
    now := time.Now().UTC()
    exp := now.Add(time.Duration(ttlMin) * time.Minute)
    claims := jwt.RegisteredClaims{
        Subject:   procoreUserID,
        IssuedAt:  jwt.NewNumericDate(now),
        ExpiresAt: jwt.NewNumericDate(exp),
        Issuer:    "procore-qc",
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    if err != nil {
        return SessionToken{}, err
    }
    return SessionToken{Token: signed, Exp: exp}, nil
}

// ParseSessionToken verifies raw and returns the Procore user id it was
// issued for.  Only HS256 is accepted.
func ParseSessionToken(secret, raw string) (string, error) {
    var claims jwt.RegisteredClaims
    tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
        return []byte(secret), nil
    }, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer("procore-qc"))
    if err != nil || !tok.Valid {
        return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
    }
    if claims.Subject == "" {
        return "", ErrInvalidSession
    }
    return claims.Subject, nil
}

// RandomURLToken returns n bytes of secure random data encoded as unpadded
// URL-safe base64.  OAuth state values use n = 32.
func RandomURLToken(n int) (string, error) {
    buf := make([]byte, n)
    if _, err := rand.Read(buf); err != nil {
        return "", err
    }
    return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenFingerprint returns a short SHA-256 prefix of a secret so logs can
// correlate tokens without exposing them.
func TokenFingerprint(secret string) string {
    if secret == "" {
        return ""
    }
    sum := sha256.Sum256([]byte(secret))
    return hex.EncodeToString(sum[:6])
}
