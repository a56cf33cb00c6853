// Package auth is the gateway's bearer-token gate. Authenticator resolves the
// credential from the Authorization header and hands it to a Verifier;
// JWTVerifier is the Verifier backed by lestrrat-go/jwx, using either a shared
// HMAC secret or a remote JWKS endpoint.
package auth
