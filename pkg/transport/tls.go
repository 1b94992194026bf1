package transport

import "crypto/tls"

// CertificateProvider supplies the server certificate for the TLS listener.
// Certificate acquisition and storage live outside this package; callers
// inject either an in-memory certificate or a file-pair lookup.
type CertificateProvider interface {
	Certificate() (tls.Certificate, error)
}

// StaticCertificate serves a certificate already held in memory.
type StaticCertificate struct {
	Cert tls.Certificate
}

func (s StaticCertificate) Certificate() (tls.Certificate, error) {
	return s.Cert, nil
}

// FileCertificate loads a PEM certificate/key pair from disk on demand.
type FileCertificate struct {
	CertFile string
	KeyFile  string
}

func (f FileCertificate) Certificate() (tls.Certificate, error) {
	return tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
}

// ServerTLSConfig builds the listener-side TLS configuration from a
// certificate provider.
func ServerTLSConfig(p CertificateProvider) (*tls.Config, error) {
	cert, err := p.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the dial-side TLS configuration. serverName is used
// for SNI and certificate validation; insecureSkipVerify is intended for
// tests against self-signed certificates only.
func ClientTLSConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
