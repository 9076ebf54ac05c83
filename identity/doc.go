// Package identity defines the boundary between the token lifecycle and an
// external identity provider.
//
// A Provider owns sign-in, credential storage and token minting. This module
// only needs four things from it: a stream of auth-state changes, a cheap
// read of the credential it currently holds, a forced refresh of that
// credential, and the current user.
//
// # Auth-state changes
//
// OnAuthChange must report the current state exactly once as soon as the
// provider has finished initialising (immediately if it already has), then
// report every later change in order. A nil User means nobody is signed in.
// Provider-level failures are reported through onError; they do not end the
// subscription and the provider is expected to retry internally.
//
// Neither callback may block the provider for long, and OnAuthChange itself
// must not block waiting for initialisation.
//
// # Implementations
//
// identity/oidcprovider talks to an OpenID Connect issuer and persists the
// refresh token in a credentials.Store. identity/identitytest provides a
// scriptable fake for tests.
package identity
