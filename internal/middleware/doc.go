// Package middleware provides the HTTP middleware placed in front of the
// proxy engine: request ID propagation, access logging and inbound
// rate limiting.
//
// Middleware never touches request headers, so whatever the client sent
// is what the engine forwards.
package middleware
