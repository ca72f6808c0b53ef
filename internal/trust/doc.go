// Package trust decides whether a TLS server's certificate chain should be trusted. Verification
// checks the chain of trust and the signature algorithms used along it, but never the hostname.
// When a chain does not verify, an application-supplied callback may add trust anchors and request
// another attempt, which is how interactive clients implement trust-on-first-use or prompt-based
// trust decisions.
package trust
