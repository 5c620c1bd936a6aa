package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/medcall/internal/config"
)

const (
	renewalCheckPeriod = 30 * 24 * time.Hour
	renewalThreshold   = 30 * 24 * time.Hour
)

func startAutocertHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, errorLog *log.Logger, logger *slog.Logger) ([]*http.Server, error) {
	certsDir := config.CertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return nil, fmt.Errorf("create certs directory: %w", err)
	}

	domain := normalizeDomain(cfg.Domain)
	logger.Info("configured domain", "domain", cfg.Domain, "normalized", domain)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if normalizeDomain(host) != domain {
				// Rejected silently; the error log filter drops these.
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	httpServer := newHTTPServer(":"+cfg.HTTPPort, m.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})), errorLog)

	httpsServer := newHTTPServer(":"+cfg.HTTPSPort, router, errorLog)
	httpsServer.TLSConfig = m.TLSConfig()

	logger.Info("HTTP server (ACME challenge & redirects) starting", "port", cfg.HTTPPort)
	serve(httpServer, logger, httpServer.ListenAndServe)
	logger.Info("HTTPS server starting", "port", cfg.HTTPSPort, "domain", domain, "certs_dir", certsDir)
	serve(httpsServer, logger, func() error { return httpsServer.ListenAndServeTLS("", "") })

	go startCertificateRenewal(ctx, m, domain, logger)
	return []*http.Server{httpServer, httpsServer}, nil
}

func startSelfSignedHTTPS(router *gin.Engine, cfg *config.Config, errorLog *log.Logger, logger *slog.Logger) ([]*http.Server, error) {
	logger.Info("Self-signed TLS enabled - generating self-signed certificate")

	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load self-signed certificate: %w", err)
	}

	httpsServer := newHTTPServer(":"+cfg.HTTPSPort, router, errorLog)
	httpsServer.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	redirect := newHTTPServer(":"+cfg.HTTPPort, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
		target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	}), errorLog)

	logger.Info("HTTP redirect server starting", "port", cfg.HTTPPort)
	serve(redirect, logger, redirect.ListenAndServe)
	logger.Info("HTTPS server (self-signed) starting", "port", cfg.HTTPSPort, "url", fmt.Sprintf("https://%s:%s", hosts[0], cfg.HTTPSPort))
	serve(httpsServer, logger, func() error { return httpsServer.ListenAndServeTLS("", "") })

	return []*http.Server{redirect, httpsServer}, nil
}

// startCertificateRenewal checks the cached certificate monthly and asks
// autocert for a fresh one when it is close to expiry.
func startCertificateRenewal(ctx context.Context, m *autocert.Manager, domain string, logger *slog.Logger) {
	// Give the first certificate a chance to be obtained.
	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}

	ticker := time.NewTicker(renewalCheckPeriod)
	defer ticker.Stop()

	for {
		checkAndRenewCertificate(m, domain, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func checkAndRenewCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	hello := &tls.ClientHelloInfo{ServerName: domain}
	cert, err := m.GetCertificate(hello)
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		logger.Warn("[CERT] no certificate yet, it will be obtained on the next request", "domain", domain, "error", err)
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			logger.Error("[CERT] error parsing certificate", "domain", domain, "error", err)
			return
		}
	}

	expiresIn := time.Until(leaf.NotAfter)
	logger.Info("[CERT] certificate expiry", "domain", domain, "days_left", int(expiresIn.Hours()/24), "not_after", leaf.NotAfter.Format("2006-01-02"))
	if expiresIn >= renewalThreshold {
		return
	}
	if _, err := m.GetCertificate(hello); err != nil {
		logger.Error("[CERT] renewal failed", "domain", domain, "error", err)
		return
	}
	logger.Info("[CERT] certificate renewal triggered", "domain", domain)
}

// normalizeDomain lowercases and strips a leading "www.".
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	var dnsNames []string
	var ipAddrs []net.IP
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if hostOnly, _, err := net.SplitHostPort(h); err == nil {
			h = hostOnly
		}
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	var commonName string
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else {
		commonName = ipAddrs[0].String()
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Medcall Development"},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	var certBuf, keyBuf bytes.Buffer
	if err := pem.Encode(&certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
	}
	if err := pem.Encode(&keyBuf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	return certBuf.Bytes(), keyBuf.Bytes(), nil
}
