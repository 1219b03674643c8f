// Package serviceauth creates and verifies the short-lived service-to-service
// JWTs used for inter-service XRPC calls. Tokens are standard compact JWS;
// signing runs through a caller-supplied keypair so the engine stays
// independent of the curve in use.
package serviceauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xrpc "github.com/eugener/xrpcd/internal"
)

// Keypair signs service tokens. Alg is the JWS algorithm identifier the key
// produces ("ES256K", "ES256", "EdDSA"); DID identifies the key on the wire.
type Keypair interface {
	Alg() string
	DID() string
	Sign(msg []byte) ([]byte, error)
}

// PublicKey verifies signatures made by the matching Keypair.
type PublicKey interface {
	DID() string
	Verify(msg, sig []byte) error
}

// GetSigningKey resolves the issuer's current signing key. forceRefresh asks
// the resolver to bypass any cache, used once for key-rotation retry.
type GetSigningKey func(ctx context.Context, iss string, forceRefresh bool) (PublicKey, error)

// Lifetime of a created token when the caller does not pick an expiry.
const defaultTokenLifetime = 60 * time.Second

// JWT typ values that must never be accepted as service tokens.
var refusedTypes = map[string]bool{
	"at+jwt":      true,
	"refresh+jwt": true,
	"dpop+jwt":    true,
}

// keypairMethod adapts a Keypair/PublicKey pair to golang-jwt's signing
// method interface so token assembly and segment handling stay in the
// library.
type keypairMethod struct {
	alg string
}

func (m *keypairMethod) Alg() string { return m.alg }

func (m *keypairMethod) Sign(signingString string, key any) ([]byte, error) {
	kp, ok := key.(Keypair)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return kp.Sign([]byte(signingString))
}

func (m *keypairMethod) Verify(signingString string, sig []byte, key any) error {
	pk, ok := key.(PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	return pk.Verify([]byte(signingString), sig)
}

// CreateParams configures CreateServiceJwt.
type CreateParams struct {
	Iss string
	Aud string
	// Lxm binds the token to one lexicon method. Empty means unbound.
	Lxm string
	// Exp is the expiry; zero means one minute from now.
	Exp time.Time
	// Keypair signs the token.
	Keypair Keypair
}

// CreateServiceJwt builds and signs a service token. The payload carries
// iat, exp, a random jti, iss, aud, and optionally lxm.
func CreateServiceJwt(p CreateParams) (string, error) {
	if p.Keypair == nil {
		return "", fmt.Errorf("serviceauth: keypair required")
	}
	iat := time.Now().Unix()
	exp := p.Exp.Unix()
	if p.Exp.IsZero() {
		exp = iat + int64(defaultTokenLifetime/time.Second)
	}
	jti, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("serviceauth: generate jti: %w", err)
	}

	claims := jwt.MapClaims{
		"iat": iat,
		"exp": exp,
		"jti": jti,
		"iss": p.Iss,
		"aud": p.Aud,
	}
	if p.Lxm != "" {
		claims["lxm"] = p.Lxm
	}

	token := jwt.NewWithClaims(&keypairMethod{alg: p.Keypair.Alg()}, claims)
	signed, err := token.SignedString(p.Keypair)
	if err != nil {
		return "", fmt.Errorf("serviceauth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyParams configures VerifyServiceJwt.
type VerifyParams struct {
	// OwnDid is the expected audience; empty skips the audience check.
	OwnDid string
	// Lxm is the expected lexicon method; empty skips the binding check.
	Lxm string
	// GetSigningKey resolves issuer keys.
	GetSigningKey GetSigningKey
}

// Payload is the verified claim set of a service token.
type Payload struct {
	Iss   string
	Aud   string
	Exp   int64
	Iat   int64
	Jti   string
	Lxm   string
	Nonce string
}

// VerifyServiceJwt checks a compact JWS service token. Every failure is an
// AuthenticationRequired error with a distinguishing wire name (BadJwt,
// BadJwtType, JwtExpired, BadJwtAudience, BadJwtLexiconMethod,
// BadJwtSignature).
func VerifyServiceJwt(ctx context.Context, tokenStr string, p VerifyParams) (*Payload, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, parts, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil || len(parts) != 3 {
		return nil, badJwt("poorly formatted jwt")
	}

	if typ, _ := token.Header["typ"].(string); refusedTypes[typ] {
		return nil, xrpc.NewAuthRequired("invalid jwt type %q", typ).Named("BadJwtType")
	}

	claims := token.Claims.(jwt.MapClaims)
	payload, err := typedPayload(claims)
	if err != nil {
		return nil, err
	}

	if time.Now().Unix() > payload.Exp {
		return nil, xrpc.NewAuthRequired("jwt expired").Named("JwtExpired")
	}
	if p.OwnDid != "" && payload.Aud != p.OwnDid {
		return nil, xrpc.NewAuthRequired("jwt audience does not match service did").Named("BadJwtAudience")
	}
	if p.Lxm != "" && payload.Lxm != p.Lxm {
		if payload.Lxm == "" {
			return nil, xrpc.NewAuthRequired("missing jwt lexicon method (lxm)").Named("BadJwtLexiconMethod")
		}
		return nil, xrpc.NewAuthRequired("bad jwt lexicon method (lxm)").Named("BadJwtLexiconMethod")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, badJwt("poorly formatted jwt signature")
	}
	signingString := parts[0] + "." + parts[1]

	if err := verifySignature(ctx, payload.Iss, signingString, sig, p.GetSigningKey); err != nil {
		return nil, err
	}
	return payload, nil
}

// verifySignature checks the signature against the issuer's current key,
// refetching once on failure in case the issuer rotated keys. The retry only
// happens when the refreshed key actually differs.
func verifySignature(ctx context.Context, iss, signingString string, sig []byte, getKey GetSigningKey) error {
	if getKey == nil {
		return badJwtSignature()
	}
	key, err := getKey(ctx, iss, false)
	if err != nil {
		return badJwtSignature()
	}
	if key.Verify([]byte(signingString), sig) == nil {
		return nil
	}

	fresh, err := getKey(ctx, iss, true)
	if err != nil {
		return badJwtSignature()
	}
	if fresh.DID() == key.DID() {
		return badJwtSignature()
	}
	if fresh.Verify([]byte(signingString), sig) == nil {
		return nil
	}
	return badJwtSignature()
}

func typedPayload(claims jwt.MapClaims) (*Payload, error) {
	iss, ok := claims["iss"].(string)
	if !ok {
		return nil, badJwt("missing jwt issuer")
	}
	aud, ok := claims["aud"].(string)
	if !ok {
		return nil, badJwt("missing jwt audience")
	}
	exp, ok := asUnixSeconds(claims["exp"])
	if !ok {
		return nil, badJwt("missing jwt expiry")
	}
	p := &Payload{Iss: iss, Aud: aud, Exp: exp}
	p.Iat, _ = asUnixSeconds(claims["iat"])
	p.Jti, _ = claims["jti"].(string)
	if v, present := claims["lxm"]; present {
		if p.Lxm, ok = v.(string); !ok {
			return nil, badJwt("malformed jwt lexicon method (lxm)")
		}
	}
	if v, present := claims["nonce"]; present {
		if p.Nonce, ok = v.(string); !ok {
			return nil, badJwt("malformed jwt nonce")
		}
	}
	return p, nil
}

func asUnixSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func badJwt(msg string) *xrpc.Error {
	return xrpc.NewAuthRequired("%s", msg).Named("BadJwt")
}

func badJwtSignature() *xrpc.Error {
	return xrpc.NewAuthRequired("jwt signature does not match jwt issuer").Named("BadJwtSignature")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
