// Package httpclient performs the HTTP call for a resolved request
// spec against the standard library's net/http client and returns a
// normalized response envelope, mapping transport failures onto the
// engine's error taxonomy. TLS certificate material is loaded through a
// small strategy registry keyed by which fields are set (PEM pair vs.
// PFX bundle).
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRedirects = 5
	defaultMaxBodyBytes = 100 * 1024 * 1024
)

// Request is a fully resolved (post-interpolation) HTTP call.
type Request struct {
	Method    string
	URL       string
	Headers   map[string]string
	Query     map[string]string
	Body      interface{}
	Timeout   time.Duration
	TLS       *TLSConfig
}

// TLSConfig describes client TLS material for one request.
type TLSConfig struct {
	MinVersion string
	MaxVersion string
	CertPath   string
	KeyPath    string
	PFXPath    string
	Passphrase string
	CABundle   string
	Verify     *bool
}

// Response is the normalized envelope returned to the step executor.
type Response struct {
	Status          int
	Headers         map[string][]string
	Body            model.Value
	RawBody         []byte
	ResponseTimeMs  int64
}

// Invoker performs HTTP requests. It caches one *http.Client per distinct
// TLS configuration so repeated calls against the same suite don't rebuild
// a transport (and reload certificate material) on every step.
type Invoker struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// New creates an Invoker.
func New() *Invoker {
	return &Invoker{clients: make(map[string]*http.Client)}
}

// Do executes req and returns the normalized Response, or a mapped
// *errs.Error on transport failure (Timeout, ConnectionRefused,
// DNSFailure, TLSFailure, ProtocolError, ResponseTooLarge).
func (inv *Invoker) Do(ctx context.Context, req Request) (*Response, error) {
	client, err := inv.clientFor(req.TLS)
	if err != nil {
		return nil, errs.New(errs.KindHTTP, errs.CodeTLSFailure, "failed to build TLS client", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bodyReader, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, errs.New(errs.KindHTTP, errs.CodeProtocolError, "failed to encode request body", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(req.Method), buildURL(req.URL, req.Query), bodyReader)
	if err != nil {
		return nil, errs.New(errs.KindHTTP, errs.CodeProtocolError, "failed to build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, defaultMaxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, errs.New(errs.KindHTTP, errs.CodeProtocolError, "failed to read response body", err)
	}
	if len(raw) > defaultMaxBodyBytes {
		return nil, errs.New(errs.KindHTTP, errs.CodeResponseTooLarge,
			fmt.Sprintf("response exceeded %d bytes", defaultMaxBodyBytes), nil)
	}

	parsed, err := parseBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, errs.New(errs.KindHTTP, errs.CodeProtocolError, "failed to parse response body", err)
	}

	return &Response{
		Status:         resp.StatusCode,
		Headers:        resp.Header,
		Body:           parsed,
		RawBody:        raw,
		ResponseTimeMs: elapsed.Milliseconds(),
	}, nil
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		return strings.NewReader(s), "text/plain", nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(b), "application/json", nil
}

func buildURL(rawURL string, query map[string]string) string {
	if len(query) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	var sb strings.Builder
	sb.WriteString(rawURL)
	first := true
	for k, v := range query {
		if first {
			sb.WriteString(sep)
			first = false
		} else {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
	}
	return sb.String()
}

// parseBody dispatches on content type: application/json* -> structured
// Value; text/* -> string; anything else keeps the raw bytes as a
// string, since model.Value has no dedicated binary kind.
func parseBody(contentType string, raw []byte) (model.Value, error) {
	ct := strings.ToLower(contentType)
	switch {
	case len(raw) == 0:
		return model.Null(), nil
	case strings.HasPrefix(ct, "application/json"):
		return model.FromJSON(raw)
	case strings.HasPrefix(ct, "text/"):
		return model.String(string(raw)), nil
	default:
		return model.String(string(raw)), nil
	}
}

func mapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.KindHTTP, errs.CodeTimeout, "request timed out", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errs.New(errs.KindHTTP, errs.CodeDNSFailure, "DNS resolution failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if strings.Contains(opErr.Err.Error(), "connection refused") {
			return errs.New(errs.KindHTTP, errs.CodeConnectionRefused, "connection refused", err)
		}
	}
	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return errs.New(errs.KindHTTP, errs.CodeTLSFailure, "TLS handshake failed", err)
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate") {
		return errs.New(errs.KindHTTP, errs.CodeTLSFailure, "TLS handshake failed", err)
	}
	return errs.New(errs.KindHTTP, errs.CodeProtocolError, "request failed", err)
}

// clientFor returns the cached *http.Client for a TLS configuration,
// building one (and its cert-loading strategy) on first use.
func (inv *Invoker) clientFor(tlsCfg *TLSConfig) (*http.Client, error) {
	key := tlsCacheKey(tlsCfg)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if c, ok := inv.clients[key]; ok {
		return c, nil
	}

	transport := &http.Transport{}
	if tlsCfg != nil {
		conf, err := buildTLSConfig(*tlsCfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = conf
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= defaultMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", defaultMaxRedirects)
			}
			return nil
		},
	}
	inv.clients[key] = client
	return client, nil
}

func tlsCacheKey(cfg *TLSConfig) string {
	if cfg == nil {
		return ""
	}
	insecure := cfg.Verify != nil && !*cfg.Verify
	return strings.Join([]string{cfg.CertPath, cfg.KeyPath, cfg.PFXPath, cfg.Passphrase, cfg.CABundle, cfg.MinVersion, cfg.MaxVersion, fmt.Sprint(insecure)}, "|")
}

// certLoader is one entry of the TLS material strategy registry: it
// claims a TLSConfig based on which fields are populated and produces
// client certificates for it.
type certLoader func(cfg TLSConfig) ([]tls.Certificate, error)

var certLoaders = map[string]certLoader{
	"pem": loadPEM,
	"pfx": loadPFX,
}

func loadPEM(cfg TLSConfig) ([]tls.Certificate, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading PEM cert/key: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

func loadPFX(cfg TLSConfig) ([]tls.Certificate, error) {
	if cfg.PFXPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(cfg.PFXPath)
	if err != nil {
		return nil, fmt.Errorf("reading PFX file: %w", err)
	}
	key, cert, err := pkcs12.Decode(raw, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("decoding PFX file: %w", err)
	}
	tlsCert := tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key}
	return []tls.Certificate{tlsCert}, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	conf := &tls.Config{}

	if cfg.Verify != nil && !*cfg.Verify {
		conf.InsecureSkipVerify = true
	}

	for _, loader := range certLoaders {
		certs, err := loader(cfg)
		if err != nil {
			return nil, err
		}
		if len(certs) > 0 {
			conf.Certificates = certs
			break
		}
	}

	if cfg.CABundle != "" {
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CABundle)
		}
		conf.RootCAs = pool
	}

	if v, ok := tlsVersion(cfg.MinVersion); ok {
		conf.MinVersion = v
	}
	if v, ok := tlsVersion(cfg.MaxVersion); ok {
		conf.MaxVersion = v
	}
	return conf, nil
}

func tlsVersion(name string) (uint16, bool) {
	switch name {
	case "TLSv1":
		return tls.VersionTLS10, true
	case "TLSv1.1":
		return tls.VersionTLS11, true
	case "TLSv1.2":
		return tls.VersionTLS12, true
	case "TLSv1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}
