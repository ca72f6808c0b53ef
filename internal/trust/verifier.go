package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoCertificatesPresented indicates that the server presented an empty certificate chain.
	ErrNoCertificatesPresented = errors.New("trust: no certificates presented")

	// ErrClockUnavailable indicates that the current time could not be obtained to check
	// certificate validity periods.
	ErrClockUnavailable = errors.New("trust: failed to get current time")

	// ErrUnsupportedSignatureAlgorithm indicates that a certificate in the chain was signed with
	// an algorithm, or an issuer key, outside the supported set.
	ErrUnsupportedSignatureAlgorithm = errors.New("trust: unsupported signature algorithm")
)

// CertificateCallback decides whether to retry verification of a certificate chain that failed to
// verify. It receives the chain as presented by the server and a fresh copy of the trust roots,
// to which it may add trust anchors. Returning true retries verification against the augmented
// roots; returning false makes the last verification failure final.
type CertificateCallback func(presented []*x509.Certificate, roots *x509.CertPool) bool

// ServerCertificates verifies server certificate chains, consulting an optional callback when a
// chain does not verify against the configured trust roots.
//
// Hostname verification is intentionally NOT performed: a chain that verifies is trusted for any
// server name. Applications that rely on binding the certificate to a hostname must check it
// themselves.
//
// The callback is consulted for as long as it returns true and verification keeps failing. There
// is no iteration cap; the callback is responsible for eventually returning false.
type ServerCertificates struct {
	callback CertificateCallback
	now      func() time.Time
}

// signatureAlgorithm pairs an x509 signature algorithm with the issuer keys it is accepted with.
type signatureAlgorithm struct {
	algorithm x509.SignatureAlgorithm
	key       func(crypto.PublicKey) bool
}

// supportedSignatureAlgorithms are the only signature algorithms accepted in a certificate chain.
// No particular order.
var supportedSignatureAlgorithms = []signatureAlgorithm{
	{x509.ECDSAWithSHA256, ecdsaKey(elliptic.P256())},
	{x509.ECDSAWithSHA384, ecdsaKey(elliptic.P256())},
	{x509.ECDSAWithSHA256, ecdsaKey(elliptic.P384())},
	{x509.ECDSAWithSHA384, ecdsaKey(elliptic.P384())},
	{x509.PureEd25519, ed25519Key},
	{x509.SHA256WithRSAPSS, rsaKey(2048, 8192)},
	{x509.SHA384WithRSAPSS, rsaKey(2048, 8192)},
	{x509.SHA512WithRSAPSS, rsaKey(2048, 8192)},
	{x509.SHA256WithRSA, rsaKey(2048, 8192)},
	{x509.SHA384WithRSA, rsaKey(2048, 8192)},
	{x509.SHA512WithRSA, rsaKey(2048, 8192)},
	{x509.SHA384WithRSA, rsaKey(3072, 8192)},
}

// NewServerCertificates creates a verifier with an optional callback; nil disables retries.
func NewServerCertificates(callback CertificateCallback) *ServerCertificates {
	return &ServerCertificates{
		callback: callback,
		now:      time.Now,
	}
}

// WithClock returns a copy of the verifier that reads the current time from now. A zero time is
// treated as a clock failure.
func (s *ServerCertificates) WithClock(now func() time.Time) *ServerCertificates {
	return &ServerCertificates{
		callback: s.callback,
		now:      now,
	}
}

// Verify decides whether the presented chain should be trusted. The first presented certificate is
// the end-entity certificate; the rest are intermediates. A nil roots pool trusts nothing; it
// never falls back to the system roots.
func (s *ServerCertificates) Verify(roots *x509.CertPool, presented []*x509.Certificate) error {
	err := s.verify(roots, presented)
	if err == nil || s.callback == nil || !retryable(err) {
		return err
	}

	for {
		augmented := cloneRoots(roots)

		if !s.callback(presented, augmented) {
			return err
		}

		if err = s.verify(augmented, presented); err == nil || !retryable(err) {
			return err
		}
	}
}

// VerifyConnection adapts Verify to the tls.Config VerifyConnection hook, verifying the peer
// certificates of every handshake against roots.
func (s *ServerCertificates) VerifyConnection(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(state tls.ConnectionState) error {
		return s.Verify(roots, state.PeerCertificates)
	}
}

// verify performs a single chain-of-trust verification attempt.
func (s *ServerCertificates) verify(roots *x509.CertPool, presented []*x509.Certificate) error {
	if len(presented) == 0 {
		return ErrNoCertificatesPresented
	}

	now := s.now()
	if now.IsZero() {
		return ErrClockUnavailable
	}

	if roots == nil {
		roots = x509.NewCertPool()
	}

	// EE cert must appear first.
	intermediates := x509.NewCertPool()
	for _, cert := range presented[1:] {
		intermediates.AddCert(cert)
	}

	// DNSName is deliberately left empty; hostname check is skipped.
	chains, err := presented[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return errors.Wrap(err, "trust: certificate verification failed")
	}

	// Several chains may have been built; one using only supported algorithms suffices.
	for _, chain := range chains {
		if err = checkSignatureAlgorithms(chain); err == nil {
			return nil
		}
	}

	return err
}

// checkSignatureAlgorithms checks every signed link of a verified chain against the supported
// signature algorithms. A chain of one is an end-entity certificate trusted as its own anchor, so
// its self-signature is checked; otherwise the anchor's own signature is not part of any link.
func checkSignatureAlgorithms(chain []*x509.Certificate) error {
	if len(chain) == 1 {
		return checkSignature(chain[0], chain[0])
	}

	for i := 0; i+1 < len(chain); i++ {
		if err := checkSignature(chain[i], chain[i+1]); err != nil {
			return err
		}
	}

	return nil
}

// checkSignature checks the algorithm cert was signed with against the issuer's key.
func checkSignature(cert *x509.Certificate, issuer *x509.Certificate) error {
	if supportedSignature(cert.SignatureAlgorithm, issuer.PublicKey) {
		return nil
	}

	return errors.Wrapf(
		ErrUnsupportedSignatureAlgorithm,
		"trust: rejected certificate signature: subject=%s algorithm=%s",
		cert.Subject,
		cert.SignatureAlgorithm,
	)
}

func supportedSignature(algorithm x509.SignatureAlgorithm, key crypto.PublicKey) bool {
	for _, supported := range supportedSignatureAlgorithms {
		if supported.algorithm == algorithm && supported.key(key) {
			return true
		}
	}

	return false
}

// retryable reports whether a verification failure may be overcome by adding trust anchors.
func retryable(err error) bool {
	return !errors.Is(err, ErrNoCertificatesPresented) && !errors.Is(err, ErrClockUnavailable)
}

// cloneRoots copies roots into a fresh pool that can be mutated without affecting the original.
func cloneRoots(roots *x509.CertPool) *x509.CertPool {
	if roots == nil {
		return x509.NewCertPool()
	}

	return roots.Clone()
}

func ecdsaKey(curve elliptic.Curve) func(crypto.PublicKey) bool {
	return func(key crypto.PublicKey) bool {
		ecKey, ok := key.(*ecdsa.PublicKey)
		return ok && ecKey.Curve == curve
	}
}

func ed25519Key(key crypto.PublicKey) bool {
	_, ok := key.(ed25519.PublicKey)
	return ok
}

func rsaKey(minBits int, maxBits int) func(crypto.PublicKey) bool {
	return func(key crypto.PublicKey) bool {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return false
		}

		bits := rsaKey.N.BitLen()

		return bits >= minBits && bits <= maxBits
	}
}
