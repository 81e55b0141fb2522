// Package auth provides authentication for coven-workbench connections.
//
// Users authenticate WebSocket connections with an HS256 JWT whose "sub"
// claim is the user ID. The token is read once, at connect time, from the
// "token" query parameter or an "Authorization: Bearer" header:
//
//	tok, err := auth.TokenFromRequest(r)
//	userID, err := verifier.Verify(tok)
//
// Tokens are issued by the CLI ("coven-workbench token") after checking the
// user's bcrypt password hash with CheckPassword.
package auth
