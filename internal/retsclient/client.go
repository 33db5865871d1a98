// Package retsclient presents an authenticated RETS session to the rest of
// the sync engine, hiding cookie and capability-URL management behind
// login/logout/authenticatedRequest (spec.md §4.1). It is built on net/http
// with a single shared, configured *http.Client per session, mirroring the
// teacher's internal/s3client approach of constructing one transport up
// front rather than relying on http.DefaultClient.
package retsclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"retssync/internal/logging"
	"retssync/internal/rets"
	"retssync/internal/retsparse"
	"retssync/internal/session"
)

const sessionTTL = time.Hour

// Config is the subset of the service configuration C1 needs.
type Config struct {
	LoginURL  string
	Version   string // RETS-Version header, e.g. "RETS/1.7.2"
	Vendor    string // informational; some servers log this for support tickets
	UserAgent string
	Username  string
	Password  string
}

// Client is the RETS protocol client. One Client is constructed per
// process and shared by every caller that needs a session (C5, C6, C7,
// C10, C11); the session cache guards concurrent callers.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *session.Cache
	log    *logging.Logger
}

func New(cfg Config, dataDir string) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DisableKeepAlives: false,
			},
		},
		cache: session.NewCache(dataDir),
		log:   logging.Component("retsclient"),
	}
}

var setCookieName = regexp.MustCompile(`^\s*([^=;]+=[^;]*)`)

// Login returns the cached session if unexpired, otherwise performs a
// fresh HTTPS login per spec.md §4.1.
func (c *Client) Login(ctx context.Context) (session.Session, error) {
	if cached, ok, err := c.cache.Load(time.Now()); err == nil && ok {
		return cached, nil
	} else if err != nil {
		c.log.Errorf("session cache read failed, re-authenticating: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.LoginURL, nil)
	if err != nil {
		return session.Session{}, rets.Transport("build login request", err)
	}
	q := req.URL.Query()
	q.Set("rets-version", c.cfg.Version)
	req.URL.RawQuery = q.Encode()
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("RETS-Version", c.cfg.Version)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Vendor != "" {
		req.Header.Set("X-RETS-Vendor", c.cfg.Vendor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Session{}, rets.Transport("login request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Session{}, rets.Transport("read login response", err)
	}

	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return session.Session{}, rets.Protocol("", "NoCookie: login succeeded but no Set-Cookie headers were returned")
	}
	parts := make([]string, 0, len(cookies))
	for _, raw := range cookies {
		if m := setCookieName.FindStringSubmatch(raw); m != nil {
			parts = append(parts, m[1])
		}
	}
	if len(parts) == 0 {
		return session.Session{}, rets.Protocol("", "NoCookie: Set-Cookie headers had no name=value pairs")
	}

	parsed, err := retsparse.ParseLogin(string(body))
	if err != nil {
		return session.Session{}, err
	}
	if parsed.ReplyCode != "0" {
		return session.Session{}, rets.Protocol(parsed.ReplyCode, fmt.Sprintf("LoginRejected: %s", parsed.ReplyText))
	}

	sess := session.Session{
		Cookie:       strings.Join(parts, "; "),
		Expires:      time.Now().Add(sessionTTL),
		Capabilities: parsed.Capabilities,
	}
	if err := c.cache.Store(sess); err != nil {
		c.log.Errorf("failed to persist session cache: %v", err)
	}
	return sess, nil
}

// Logout calls the Logout capability and clears the on-disk cache.
// Failures are logged, not returned, per spec.md §4.1 ("non-fatal").
func (c *Client) Logout(ctx context.Context, sess session.Session) {
	logoutURL, ok := sess.Capability("Logout")
	if !ok {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveURL(logoutURL), nil)
	if err != nil {
		c.log.Errorf("logout: build request: %v", err)
		return
	}
	c.attachAuth(req, sess)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Errorf("logout request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if err := c.cache.Clear(); err != nil {
		c.log.Errorf("logout: clear session cache: %v", err)
	}
}

// AuthenticatedRequest issues a GET against a capability-relative URL with
// the session's cookie and auth headers attached. Callers decide whether
// to treat the body as text or binary.
func (c *Client) AuthenticatedRequest(ctx context.Context, sess session.Session, relativeURL string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolveURL(relativeURL), nil)
	if err != nil {
		return nil, rets.Transport("build authenticated request", err)
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	c.attachAuth(req, sess)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rets.Transport(fmt.Sprintf("request to %s failed", relativeURL), err)
	}
	return resp, nil
}

func (c *Client) attachAuth(req *http.Request, sess session.Session) {
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Cookie", sess.Cookie)
	req.Header.Set("RETS-Version", c.cfg.Version)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
}

// resolveURL returns relativeURL unchanged if it's already absolute,
// otherwise resolves it against the configured login URL's host.
func (c *Client) resolveURL(relativeURL string) string {
	if strings.HasPrefix(relativeURL, "http://") || strings.HasPrefix(relativeURL, "https://") {
		return relativeURL
	}
	base, err := url.Parse(c.cfg.LoginURL)
	if err != nil {
		return relativeURL
	}
	ref, err := url.Parse(relativeURL)
	if err != nil {
		return relativeURL
	}
	return base.ResolveReference(ref).String()
}
