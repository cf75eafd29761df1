// Package auth manages a single process-wide login session against a
// decentralized identity provider and exposes the capability handles
// ("actors") derived from the authenticated identity.
//
// Session lifecycle:
//   - SessionController drives the Unauthenticated -> LoggingIn -> Authenticated
//     and Authenticated -> LoggingOut -> Unauthenticated transitions. Login and
//     logout requests are serialized: an overlapping request is rejected with
//     ErrSessionBusy instead of racing the one in flight.
//   - The identity provider round trip is delegated to an IdentityClient (see
//     the identity sub-package). The controller never performs cryptographic
//     work itself.
//
// Capability handles:
//   - CapabilityDeriver turns an authenticated Identity into a SessionState by
//     building one agent (see the agent sub-package) and one handle per
//     configured HandleSpec. Anonymous or unauthenticated identities always
//     yield the empty state.
//   - SessionStore holds the current SessionState. A state is either complete
//     (every configured handle present) or empty; partial states are rejected.
//
// Observability:
//   - ActivitySink receives session events (login, logout, resume, idle) so
//     metrics and audit trails can be attached without touching the controller.
package auth
