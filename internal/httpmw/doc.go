// Package httpmw provides HTTP middleware for the ops listener.
//
// RequestID runs first so every access log line and downstream handler can
// be correlated, then AccessLog records one line per request once the chi
// route pattern is known. Probe endpoints are not logged.
package httpmw
