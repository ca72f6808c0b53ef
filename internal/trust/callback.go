package trust

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Once wraps a callback so that it is consulted at most once. Every later invocation declines.
// This is the usual way to guarantee that verification retries terminate.
func Once(callback CertificateCallback) CertificateCallback {
	var once sync.Once

	return func(presented []*x509.Certificate, roots *x509.CertPool) bool {
		accepted := false
		once.Do(func() {
			accepted = callback(presented, roots)
		})

		return accepted
	}
}

// TrustPresented adds the last certificate of the presented chain (the self-signed certificate
// itself, for a chain of one) as a trust anchor and requests a retry.
func TrustPresented(presented []*x509.Certificate, roots *x509.CertPool) bool {
	if len(presented) == 0 {
		return false
	}

	roots.AddCert(presented[len(presented)-1])

	return true
}

// TrustOnFirstUse returns a callback that trusts whatever chain it is first shown, then declines.
// A fresh callback should be created for every verifier that should trust on first use.
func TrustOnFirstUse() CertificateCallback {
	return Once(TrustPresented)
}

// TrustPEMFile returns a callback that adds the certificates of a PEM bundle on disk as trust
// anchors. The file is read when the callback is first consulted; the callback declines if it
// cannot be read or contains no certificates.
func TrustPEMFile(path string) CertificateCallback {
	return Once(func(presented []*x509.Certificate, roots *x509.CertPool) bool {
		certs, err := LoadPEMFile(path)
		if err != nil || len(certs) == 0 {
			return false
		}

		for _, cert := range certs {
			roots.AddCert(cert)
		}

		return true
	})
}

// Prompter asks on a terminal whether to trust presented certificates. A single Prompter owns the
// input; prompts from concurrent connections are asked one at a time.
type Prompter struct {
	in    *bufio.Reader
	out   io.Writer
	mutex sync.Mutex
}

// NewPrompter creates a Prompter reading answers from in and writing questions to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Prompt returns a callback that describes the presented certificate on out and asks whether to
// trust it, reading the answer from in. A "y" or "yes" answer trusts the chain for this
// connection. The question is asked at most once.
func Prompt(in io.Reader, out io.Writer) CertificateCallback {
	return NewPrompter(in, out).Callback()
}

// Callback returns a callback for a single verification that asks at most once.
func (p *Prompter) Callback() CertificateCallback {
	return Once(func(presented []*x509.Certificate, roots *x509.CertPool) bool {
		if len(presented) == 0 {
			return false
		}

		p.mutex.Lock()
		defer p.mutex.Unlock()

		leaf := presented[0]

		fmt.Fprintf(p.out, "The server presented an untrusted certificate.\n")
		fmt.Fprintf(p.out, "  Subject:     %s\n", leaf.Subject)
		fmt.Fprintf(p.out, "  Issuer:      %s\n", leaf.Issuer)
		fmt.Fprintf(p.out, "  Valid until: %s\n", leaf.NotAfter.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(p.out, "  SHA-256:     %s\n", Fingerprint(leaf))
		fmt.Fprintf(p.out, "Trust this certificate? [y/N] ")

		answer, err := p.in.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return TrustPresented(presented, roots)
		default:
			return false
		}
	})
}

// Fingerprint renders the SHA-256 digest of a certificate as colon-separated hex.
func Fingerprint(cert *x509.Certificate) string {
	digest := sha256.Sum256(cert.Raw)
	encoded := strings.ToUpper(hex.EncodeToString(digest[:]))

	pairs := make([]string, 0, len(digest))
	for i := 0; i < len(encoded); i += 2 {
		pairs = append(pairs, encoded[i:i+2])
	}

	return strings.Join(pairs, ":")
}

// LoadPEMFile parses every CERTIFICATE block of a PEM bundle on disk.
func LoadPEMFile(path string) ([]*x509.Certificate, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "trust: error reading PEM bundle: path=%s", path)
	}

	return ParsePEM(data)
}

// ParsePEM parses every CERTIFICATE block of a PEM bundle. Other block types are skipped.
func ParsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for {
		var block *pem.Block
		if block, data = pem.Decode(data); block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "trust: error parsing PEM certificate")
		}

		certs = append(certs, cert)
	}

	return certs, nil
}

// Pin remembers the certificate trusted on first use across connections. The first chain it is
// shown is pinned; later chains are trusted only if they end in the pinned certificate.
type Pin struct {
	cert  *x509.Certificate
	mutex sync.Mutex
}

// NewPin creates an empty Pin.
func NewPin() *Pin {
	return &Pin{}
}

// Callback returns a callback for a single verification, consulted at most once.
func (p *Pin) Callback() CertificateCallback {
	return Once(func(presented []*x509.Certificate, roots *x509.CertPool) bool {
		if len(presented) == 0 {
			return false
		}

		anchor := presented[len(presented)-1]

		p.mutex.Lock()
		if p.cert == nil {
			p.cert = anchor
		}
		pinned := p.cert
		p.mutex.Unlock()

		if !pinned.Equal(anchor) {
			return false
		}

		roots.AddCert(pinned)

		return true
	})
}

// Pinned returns the pinned certificate, or nil if nothing has been pinned yet.
func (p *Pin) Pinned() *x509.Certificate {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.cert
}
