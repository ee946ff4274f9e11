// Package b2 wraps the subset of the Backblaze B2 native API the proxy needs:
// account authorization (static credential → short-lived session), the
// metadata-only object probe, the body fetch, and scoped download
// authorization used to build signed redirect URLs.
//
// Every call is a single HTTP round trip with no retries. JSON payloads are
// decoded into typed structs and validated at this boundary; callers branch on
// the sentinel errors (ErrInvalidCredential, ErrBackendUnavailable,
// ErrObjectNotFound) with errors.Is, or inspect *APIError / *RejectedError
// with errors.As for diagnostics.
//
// Sessions can optionally be reused across requests through TokenCache, an
// explicitly constructed collaborator with an injectable clock.
package b2
