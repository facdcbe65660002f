package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/duplex/internal/netutil"
)

const (
	tlsModeOff    = "off"
	tlsModeStatic = "static"
	tlsModeAuto   = "auto"
)

type staticCertificate struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// tlsSetup is the certificate source chosen by TLSMode. Both fields are nil
// when TLS is off.
type tlsSetup struct {
	config  *tls.Config
	manager *autocert.Manager
}

func (s *Server) buildTLS() (*tlsSetup, error) {
	switch normalizeTLSMode(s.cfg.TLSMode) {
	case tlsModeOff:
		return &tlsSetup{}, nil
	case tlsModeStatic:
		cert, err := s.loadStaticCertificate()
		if err != nil {
			return nil, err
		}
		return &tlsSetup{config: &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.selectCertificate(nil, cert),
		}}, nil
	case tlsModeAuto:
		host := netutil.NormalizeHost(s.cfg.TLSHost)
		if host == "" {
			return nil, errors.New("auto TLS mode requires a TLS host")
		}
		manager := &autocert.Manager{
			Cache:  autocert.DirCache(s.cfg.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, h string) error {
				if netutil.NormalizeHost(h) == host {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		cfg := manager.TLSConfig()
		cfg.GetCertificate = s.selectCertificate(manager, nil)
		return &tlsSetup{config: cfg, manager: manager}, nil
	default:
		return nil, fmt.Errorf("unsupported TLS mode %q", s.cfg.TLSMode)
	}
}

func (s *Server) loadStaticCertificate() (*staticCertificate, error) {
	certFile := strings.TrimSpace(s.cfg.TLSCertFile)
	keyFile := strings.TrimSpace(s.cfg.TLSKeyFile)
	if certFile == "" || keyFile == "" {
		return nil, errors.New("static TLS mode requires both a certificate and a key file")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load static TLS certificate: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	subject := ""
	if leaf != nil {
		subject = leaf.Subject.String()
	}
	s.log.Info("static TLS certificate loaded", "cert_file", certFile, "key_file", keyFile, "subject", subject)
	return &staticCertificate{cert: cert, leaf: leaf}, nil
}

func (s *Server) selectCertificate(manager *autocert.Manager, staticCert *staticCertificate) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := netutil.NormalizeHost(hello.ServerName)
		if staticCert != nil {
			if !staticCert.supportsHost(host) {
				return nil, fmt.Errorf("TLS certificate does not cover host %q", host)
			}
			return &staticCert.cert, nil
		}
		if manager == nil {
			return nil, errors.New("no TLS certificate source configured")
		}
		return manager.GetCertificate(hello)
	}
}

func (c *staticCertificate) supportsHost(host string) bool {
	if c == nil {
		return false
	}
	if host == "" || c.leaf == nil {
		return true
	}
	return c.leaf.VerifyHostname(host) == nil
}

func normalizeTLSMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return tlsModeOff
	}
	return mode
}

type httpsServerErrorLogWriter struct {
	log                  *slog.Logger
	dynamicACME          bool
	provisioningHintOnce sync.Once
}

// httpsErrorLog routes http.Server error lines into logger.
func httpsErrorLog(logger *slog.Logger, dynamicACME bool) *stdlog.Logger {
	return stdlog.New(newHTTPSErrorLogWriter(logger, dynamicACME), "", 0)
}

func newHTTPSErrorLogWriter(logger *slog.Logger, dynamicACME bool) *httpsServerErrorLogWriter {
	return &httpsServerErrorLogWriter{log: logger, dynamicACME: dynamicACME}
}

func (w *httpsServerErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("https server error", "err", line)
	return len(p), nil
}

func (w *httpsServerErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	reason = strings.TrimSpace(reason)
	if isLikelyScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	if w.dynamicACME && isLikelyTLSProvisioningReason(reason) {
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
