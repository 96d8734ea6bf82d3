package capsolver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ProxyOption configures a TransparentProxy.
type ProxyOption func(*TransparentProxy)

// WithProxyHost sets the listen address.
func WithProxyHost(host string) ProxyOption {
	return func(p *TransparentProxy) {
		p.host = host
	}
}

// WithProxyPort sets the listen port.
func WithProxyPort(port int) ProxyOption {
	return func(p *TransparentProxy) {
		p.port = port
	}
}

// WithProxyUpstream sets the upstream proxy for forwarded requests. The
// same proxy is handed to the solver as the mandatory task proxy, so it
// must be static or sticky.
func WithProxyUpstream(upstream string) ProxyOption {
	return func(p *TransparentProxy) {
		p.upstream = upstream
	}
}

// WithProxyTaskProxy overrides the proxy handed to the solver for
// challenge tasks. Defaults to the upstream proxy.
func WithProxyTaskProxy(taskProxy string) ProxyOption {
	return func(p *TransparentProxy) {
		p.taskProxy = taskProxy
	}
}

// WithProxyDetection enables or disables challenge detection.
func WithProxyDetection(enable bool) ProxyOption {
	return func(p *TransparentProxy) {
		p.enableDetection = enable
	}
}

// WithProxyCache enables or disables cf_clearance caching.
func WithProxyCache(enable bool) ProxyOption {
	return func(p *TransparentProxy) {
		p.enableCache = enable
	}
}

// WithProxyDetector sets a custom challenge detector.
func WithProxyDetector(d *Detector) ProxyOption {
	return func(p *TransparentProxy) {
		p.detector = d
	}
}

// clearanceEntry pairs a cf_clearance cookie with the user agent it was
// issued for; Cloudflare rejects the cookie under any other identity.
type clearanceEntry struct {
	userAgent   string
	cfClearance string
}

// TransparentProxy is an HTTP forward proxy that detects Cloudflare
// interstitial responses, solves them through the CapSolver client, and
// retries the request with the cf_clearance cookie and solved User-Agent
// injected. CONNECT traffic is tunneled untouched.
type TransparentProxy struct {
	client    *Client
	host      string
	port      int
	upstream  string
	taskProxy string

	enableDetection bool
	enableCache     bool

	detector *Detector

	clearanceMu sync.RWMutex
	clearance   map[string]clearanceEntry

	// Per-host locks serialize challenge solving so a burst of requests
	// to one host spends a single solve.
	hostLocksMu sync.Mutex
	hostLocks   map[string]*sync.Mutex

	server *http.Server
}

// NewTransparentProxy creates a transparent proxy backed by the given
// CapSolver client.
func NewTransparentProxy(client *Client, opts ...ProxyOption) *TransparentProxy {
	p := &TransparentProxy{
		client:          client,
		host:            "127.0.0.1",
		port:            8080,
		enableDetection: true,
		enableCache:     true,
		clearance:       make(map[string]clearanceEntry),
		hostLocks:       make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.detector == nil {
		p.detector = NewDetector(nil, nil)
	}
	if p.taskProxy == "" {
		p.taskProxy = p.upstream
	}

	return p
}

func (p *TransparentProxy) getHostLock(host string) *sync.Mutex {
	p.hostLocksMu.Lock()
	defer p.hostLocksMu.Unlock()

	lock, ok := p.hostLocks[host]
	if !ok {
		lock = &sync.Mutex{}
		p.hostLocks[host] = lock
	}
	return lock
}

// SetClearance stores a cf_clearance cookie for a host.
func (p *TransparentProxy) SetClearance(host, userAgent, cfClearance string) {
	if host == "" || cfClearance == "" {
		return
	}

	p.clearanceMu.Lock()
	defer p.clearanceMu.Unlock()
	p.clearance[strings.ToLower(host)] = clearanceEntry{
		userAgent:   userAgent,
		cfClearance: cfClearance,
	}
}

// GetClearance returns the stored user agent and cf_clearance cookie for
// a host, or empty strings when none is cached.
func (p *TransparentProxy) GetClearance(host string) (userAgent, cfClearance string) {
	p.clearanceMu.RLock()
	defer p.clearanceMu.RUnlock()

	entry := p.clearance[strings.ToLower(host)]
	return entry.userAgent, entry.cfClearance
}

// ClearClearance drops the cached clearance for a host, or all hosts when
// host is empty.
func (p *TransparentProxy) ClearClearance(host string) {
	p.clearanceMu.Lock()
	defer p.clearanceMu.Unlock()

	if host == "" {
		p.clearance = make(map[string]clearanceEntry)
		return
	}
	delete(p.clearance, strings.ToLower(host))
}

// injectCookie sets or replaces a cookie on the request, preserving the
// others.
func injectCookie(req *http.Request, name, value string) {
	if name == "" || value == "" {
		return
	}

	var parts []string
	found := false
	for _, c := range req.Cookies() {
		if strings.EqualFold(c.Name, name) {
			parts = append(parts, fmt.Sprintf("%s=%s", name, value))
			found = true
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", c.Name, c.Value))
		}
	}
	if !found {
		parts = append(parts, fmt.Sprintf("%s=%s", name, value))
	}

	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

// solveFor solves the challenge for targetURL and caches the clearance.
func (p *TransparentProxy) solveFor(ctx context.Context, host, targetURL string, challengeHTML []byte) (*Solution, error) {
	sol, err := p.client.SolveChallengeContext(ctx, ChallengeConfig{
		WebsiteURL: targetURL,
		Proxy:      p.taskProxy,
		HTML:       string(challengeHTML),
	})
	if err != nil {
		return nil, err
	}

	if p.enableCache {
		p.SetClearance(host, sol.UserAgent, sol.CFClearance())
	}
	return sol, nil
}

// forwardTransport builds the transport for outgoing requests, routed
// through the upstream proxy when one is configured.
func (p *TransparentProxy) forwardTransport() *http.Transport {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if p.upstream != "" {
		if proxyURL, err := url.Parse(p.upstream); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return transport
}

// handleHTTP forwards a plain HTTP request, solving a detected challenge
// and retrying once with the clearance applied. The request body is
// buffered up front so the retry resends it intact.
func (p *TransparentProxy) handleHTTP(w http.ResponseWriter, req *http.Request) {
	host := req.Host

	var reqBody []byte
	if req.Body != nil {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Body.Close()
	}

	outReq, err := p.buildOutgoing(req, reqBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	// Apply cached clearance up front.
	if p.enableCache {
		if ua, cf := p.GetClearance(host); cf != "" {
			injectCookie(outReq, "cf_clearance", cf)
			if ua != "" {
				outReq.Header.Set("User-Agent", ua)
			}
			p.client.logger.Debug().Str("host", host).Msg("Injected cached cf_clearance")
		}
	}

	client := &http.Client{
		Transport: p.forwardTransport(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if !p.enableDetection || !p.detector.IsChallenge(resp.StatusCode, body) {
		writeResponse(w, resp.StatusCode, resp.Header, body)
		return
	}

	p.client.logger.Info().Str("host", host).Msg("Cloudflare challenge detected")

	hostLock := p.getHostLock(host)
	hostLock.Lock()
	defer hostLock.Unlock()

	sol, err := p.solveFor(req.Context(), host, outReq.URL.String(), body)
	if err != nil {
		p.client.logger.Warn().Err(err).Str("host", host).Msg("Challenge solve failed")
		writeResponse(w, resp.StatusCode, resp.Header, body)
		return
	}

	retryReq, err := p.buildOutgoing(req, reqBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	injectCookie(retryReq, "cf_clearance", sol.CFClearance())
	if sol.UserAgent != "" {
		retryReq.Header.Set("User-Agent", sol.UserAgent)
	}

	retryResp, err := client.Do(retryReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer retryResp.Body.Close()

	copyHeaders(w.Header(), retryResp.Header)
	w.WriteHeader(retryResp.StatusCode)
	io.Copy(w, retryResp.Body)
}

// buildOutgoing clones the proxied request for forwarding. The body is
// passed as bytes so a challenge retry can resend it.
func (p *TransparentProxy) buildOutgoing(req *http.Request, body []byte) (*http.Request, error) {
	targetURL := req.URL.String()
	if !strings.HasPrefix(targetURL, "http") {
		targetURL = fmt.Sprintf("http://%s%s", req.Host, req.URL.RequestURI())
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, targetURL, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, vv := range req.Header {
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	return outReq, nil
}

func writeResponse(w http.ResponseWriter, statusCode int, header http.Header, body []byte) {
	copyHeaders(w.Header(), header)
	w.WriteHeader(statusCode)
	w.Write(body)
}

// handleConnect tunnels HTTPS traffic without inspection. The tunnel is
// routed through the upstream proxy when one is configured.
func (p *TransparentProxy) handleConnect(w http.ResponseWriter, req *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer clientConn.Close()

	var targetConn net.Conn
	if p.upstream != "" {
		targetConn, err = p.connectViaUpstream(req.Host)
	} else {
		targetConn, err = net.DialTimeout("tcp", req.Host, 30*time.Second)
	}
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer targetConn.Close()

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(targetConn, clientConn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(clientConn, targetConn)
	}()
	wg.Wait()
}

// connectViaUpstream opens a tunnel to target through the upstream proxy
// by issuing a CONNECT request, with Basic auth when the upstream URL
// carries credentials.
func (p *TransparentProxy) connectViaUpstream(target string) (net.Conn, error) {
	proxyURL, err := url.Parse(p.upstream)
	if err != nil {
		return nil, err
	}

	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		if proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	conn, err := net.DialTimeout("tcp", proxyHost, 30*time.Second)
	if err != nil {
		return nil, err
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxyURL.User != nil {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

// ServeHTTP implements http.Handler.
func (p *TransparentProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		p.handleConnect(w, req)
	} else {
		p.handleHTTP(w, req)
	}
}

// ListenAndServe starts the proxy server and blocks until it stops.
func (p *TransparentProxy) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", p.host, p.port)

	p.server = &http.Server{
		Addr:    addr,
		Handler: p,
	}

	p.client.logger.Info().Str("addr", addr).Msg("Starting transparent proxy")
	return p.server.ListenAndServe()
}

// Shutdown gracefully shuts down the proxy server.
func (p *TransparentProxy) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// Close immediately closes the proxy server.
func (p *TransparentProxy) Close() error {
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
