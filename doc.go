// Package auth manages credentials for a multi tenant backend: users
// and their JWT access and refresh tokens, one time codes delivered by
// email, and instances (tenant applications) that authenticate with an
// API key.
//
// Tokens:
//   - TokenIssuer signs HS256 access tokens and stores one opaque
//     refresh token per user. Refresh rotates the token with a
//     conditional update, so a replayed or concurrent refresh loses.
//   - Previous signing keys stay valid for verification by key id.
//
// One time codes:
//   - OtpAuthenticator keeps at most one pending code per user and
//     purpose. Generating a new code supersedes the old one, verifying
//     consumes it. Work per pair is serialized by a KeyedLocker, which
//     can be process local or backed by redis.
//
// Instances and access:
//   - ApiKeyManager creates instances and rotates their keys. Keys are
//     only returned at creation and rotation time.
//   - AccessGuard maintains user to instance links and Authorize checks
//     a Caller against role and instance requirements. Admins do not
//     need a link.
//
// Errors are go-errors values. Response and Fail map them to the JSON
// envelope and HTTP status served by Controller.
package auth
