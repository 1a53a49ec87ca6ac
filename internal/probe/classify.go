package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// Stable causes reported for transport failures.
const (
	CauseDNS         = "DNS resolution failed"
	CauseRefused     = "Connection refused"
	CauseReset       = "Connection reset"
	CauseConnTimeout = "Connection timed out"
	CauseTimeout     = "Request timed out"
	CauseTLS         = "TLS/SSL certificate error"
	CauseUnknown     = "Unknown error"
)

// Classify maps a transport error to a stable cause string. Errors it does
// not recognize keep their own message.
func Classify(err error) string {
	if err == nil {
		return CauseUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseDNS
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CauseRefused
	case errors.Is(err, syscall.ECONNRESET):
		return CauseReset
	case errors.Is(err, syscall.ETIMEDOUT):
		return CauseConnTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CauseTimeout
	}
	if isCertError(err) {
		return CauseTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseConnTimeout
	}

	// Strip the "Get \"url\":" wrapper; the URL is already on the monitor.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return CauseUnknown
}

func isCertError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		invalidErr   x509.CertificateInvalidError
		hostErr      x509.HostnameError
		authorityErr x509.UnknownAuthorityError
	)
	return errors.As(err, &verifyErr) || errors.As(err, &invalidErr) ||
		errors.As(err, &hostErr) || errors.As(err, &authorityErr)
}
