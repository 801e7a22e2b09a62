package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SubjectParent = "parent"
	SubjectDevice = "device"
)

var (
	ErrTokenFormat  = errors.New("invalid token format")
	ErrTokenSig     = errors.New("invalid token signature")
	ErrTokenExp     = errors.New("token expired")
	ErrTokenSubject = errors.New("token subject mismatch")
)

// GenerateToken builds a token for a subject and expiry.
// Format: base64url(subject + "." + exp_unix + "." + hex(hmac_sha256(secret, subject+"."+exp)))
func GenerateToken(secret, subject string, expUnix int64) (string, error) {
	if secret == "" {
		return "", errors.New("token secret not configured")
	}
	if subject == "" || strings.Contains(subject, ".") {
		return "", ErrTokenFormat
	}
	msg := subject + "." + strconv.FormatInt(expUnix, 10)
	raw := msg + "." + sign(secret, msg)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateToken parses and validates the token. Returns the embedded subject and exp.
func ValidateToken(secret, token, expectSubject string, now time.Time, skewSeconds int) (string, int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 3 {
		return "", 0, ErrTokenFormat
	}
	sub, expStr, sigHex := parts[0], parts[1], parts[2]
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", 0, ErrTokenFormat
	}
	want, _ := hex.DecodeString(sign(secret, sub+"."+expStr))
	if !hmac.Equal(want, got) {
		return "", 0, ErrTokenSig
	}
	if expectSubject != "" && sub != expectSubject {
		return "", 0, ErrTokenSubject
	}
	if now.Unix() > exp+int64(skewSeconds) {
		return "", 0, ErrTokenExp
	}
	return sub, exp, nil
}

// BearerToken reads the Authorization header, falling back to the token query
// parameter for clients that cannot set headers on a websocket upgrade.
func BearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
