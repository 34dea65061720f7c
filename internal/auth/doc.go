// Package auth authenticates chat users and tracks their signed-in state.
//
// # Tokens
//
// Users receive an HS256 JWT on register or login. The "sub" claim carries
// the user id and "exp" the expiry:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, expiresAt, err := verifier.Generate(userID, 24*time.Hour)
//	userID, expiresAt, err := verifier.Verify(token)
//
// Secrets shorter than MinSecretLength are rejected.
//
// # HTTP
//
// HTTPAuthMiddleware accepts "Authorization: Bearer <token>" (or a "token"
// query parameter, used by websocket clients), checks the user still exists,
// and stores an AuthContext on the request context. Handlers read it back
// with FromContext.
//
// # Identity
//
// TokenIdentity is the signed-in state of one connection. It reports its user
// until the token expires or SignOut is called, then tells every watcher that
// nobody is signed in.
package auth
