package serviceauth

import (
	"context"
	"crypto/subtle"

	xrpc "github.com/eugener/xrpcd/internal"
)

// AdminCredentials is what a successful basic-auth verification attaches to
// the request.
type AdminCredentials struct {
	Username string
}

// BasicVerifier returns an AuthVerifier that accepts exactly one
// username/password pair via HTTP Basic auth. Comparison is constant-time.
func BasicVerifier(username, password string) xrpc.AuthVerifier {
	return func(_ context.Context, auth *xrpc.AuthContext) (*xrpc.AuthOutput, error) {
		user, pass, ok := auth.Request.BasicAuth()
		if !ok {
			return nil, xrpc.NewAuthRequired("Authentication Required")
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !userOK || !passOK {
			return nil, xrpc.NewAuthRequired("Authentication Required")
		}
		return &xrpc.AuthOutput{Credentials: &AdminCredentials{Username: user}}, nil
	}
}

// JwtVerifier returns an AuthVerifier that expects a Bearer service JWT bound
// to ownDid. The lexicon method binding is checked against the NSID recorded
// on the request context by the dispatcher.
func JwtVerifier(ownDid string, getKey GetSigningKey) xrpc.AuthVerifier {
	return func(ctx context.Context, auth *xrpc.AuthContext) (*xrpc.AuthOutput, error) {
		token := bearerToken(auth.Request.Header.Get("Authorization"))
		if token == "" {
			return nil, xrpc.NewAuthRequired("missing jwt")
		}
		payload, err := VerifyServiceJwt(ctx, token, VerifyParams{
			OwnDid:        ownDid,
			Lxm:           xrpc.NSIDFromContext(ctx),
			GetSigningKey: getKey,
		})
		if err != nil {
			return nil, err
		}
		return &xrpc.AuthOutput{Credentials: payload, Artifacts: token}, nil
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
