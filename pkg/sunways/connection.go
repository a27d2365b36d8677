package sunways

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/sunwaysbridge/pkg/common"
	"github.com/raterudder/sunwaysbridge/pkg/log"
)

// DefaultBaseURL is the production Sunways portal API.
const DefaultBaseURL = "https://api.sunways-portal.com"

const (
	loginPath    = "/monitor/auth/login"
	authInfoPath = "/monitor/auth/info"

	stationListPath     = "/monitor/core/power/station/monitoring/getPage"
	stationOverviewPath = "/monitor/core/power/station/overview/getSingleStationOverview"

	successCode = "1000000"
)

const (
	// AssumedTokenLifetime is how long a token is trusted without asking the
	// API. Every probe moves the trusted lifetime by this amount.
	AssumedTokenLifetime = time.Hour

	// maxTokenLifetime caps the trusted lifetime after repeated successful
	// probes.
	maxTokenLifetime = 24 * time.Hour

	requestTimeout = 10 * time.Second
)

// TokenJar holds the token handed out by the API and when it was issued.
// A TokenJar is replaced, never modified.
type TokenJar struct {
	Token  string
	Issued time.Time
}

// Options configures a Connection.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient is used for all requests. When nil the connection creates
	// its own client on first use and releases it on Close.
	HTTPClient *http.Client
	// TokenJar is a previously issued token to start with.
	TokenJar *TokenJar
	// OnToken is called every time a new token is stored.
	OnToken func(TokenJar)
}

// Connection is the low level authenticated connection to the Sunways API.
// It is not safe for concurrent use.
type Connection struct {
	baseURL  string
	email    string
	password string

	client    *http.Client
	ownClient bool

	jar      *TokenJar
	tokenTTL time.Duration
	onToken  func(TokenJar)

	now func() time.Time
}

// NewConnection returns a connection for the given account. No request is
// made until Open, Login or Request is called.
func NewConnection(email, password string, opts Options) *Connection {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Connection{
		baseURL:  baseURL,
		email:    email,
		password: password,
		client:   opts.HTTPClient,
		jar:      opts.TokenJar,
		tokenTTL: AssumedTokenLifetime,
		onToken:  opts.OnToken,
		now:      time.Now,
	}
}

// TokenJar returns the current token, or nil if there is none.
func (c *Connection) TokenJar() *TokenJar {
	if c.jar == nil {
		return nil
	}
	jar := *c.jar
	return &jar
}

func (c *Connection) httpClient() *http.Client {
	if c.client == nil {
		c.client = common.HTTPClient(requestTimeout)
		c.ownClient = true
	}
	return c.client
}

// Open logs in. If the login fails and the connection created its own HTTP
// client, that client is released before returning.
func (c *Connection) Open(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close releases the HTTP client if the connection created it. A client that
// was passed in is left alone.
func (c *Connection) Close() error {
	if c.ownClient && c.client != nil {
		common.CloseIdleConnections(c.client)
		c.client = nil
		c.ownClient = false
	}
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Channel  int    `json:"channel"`
}

// Login sends the credentials and stores the returned token.
func (c *Connection) Login(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "logging in to sunways", slog.String("email", c.email))

	prev := c.jar
	data, err := c.doRequest(ctx, http.MethodPost, loginPath, nil, loginRequest{
		Email:    c.email,
		Password: encodePassword(c.password),
		Channel:  1,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "sunways login failed", slog.Any("error", err))
		return err
	}

	// the token normally comes back as a header which doRequest already
	// stored, some deployments put it into the body instead
	if c.jar == prev {
		var res struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &res); err != nil || res.Token == "" {
			return &RequestFailed{Code: "-1", Message: "login response carried no token"}
		}
		c.setToken(res.Token)
	}
	c.tokenTTL = AssumedTokenLifetime

	log.Ctx(ctx).DebugContext(ctx, "sunways login success", slog.String("email", c.email))
	return nil
}

// checkLogin reports whether the stored token can be used. A token younger
// than the trusted lifetime is assumed valid without a round trip, an older
// one is probed against the auth info endpoint.
func (c *Connection) checkLogin(ctx context.Context) bool {
	if c.jar == nil || c.jar.Token == "" {
		return false
	}

	if c.now().Sub(c.jar.Issued) < c.tokenTTL {
		return true
	}

	data, err := c.doRequest(ctx, http.MethodGet, authInfoPath, url.Values{"useFor": {"1"}}, nil)
	if err == nil {
		var info struct {
			UserInfo json.RawMessage `json:"userInfo"`
		}
		if json.Unmarshal(data, &info) == nil && truthy(info.UserInfo) {
			c.tokenTTL = min(c.tokenTTL+AssumedTokenLifetime, maxTokenLifetime)
			log.Ctx(ctx).DebugContext(ctx, "sunways token still valid", slog.Duration("ttl", c.tokenTTL))
			return true
		}
	}

	c.tokenTTL = max(c.tokenTTL-AssumedTokenLifetime, 0)
	log.Ctx(ctx).DebugContext(ctx, "sunways token expired", slog.Duration("ttl", c.tokenTTL), slog.Any("error", err))
	return false
}

// Request performs an authenticated request, logging in first when the
// stored token is missing or no longer valid. It returns the unwrapped data
// of the response envelope.
func (c *Connection) Request(ctx context.Context, method, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	if !c.checkLogin(ctx) {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	data, err := c.doRequest(ctx, method, endpoint, params, body)
	if err != nil && IsLoginFailed(err) && c.jar != nil {
		log.Ctx(ctx).InfoContext(ctx, "sunways session expired, dropping token", slog.Any("error", err))
		c.jar = nil
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return data, err
}

func (c *Connection) newRequest(ctx context.Context, method, endpoint string, params url.Values, body any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(endpoint)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("ver", "pc")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// the API wants the token both as a header and as a cookie
	if endpoint != loginPath && c.jar != nil {
		req.Header.Set("token", c.jar.Token)
		req.Header.Set("Cookie", "token="+c.jar.Token)
	}
	return req, nil
}

func (c *Connection) doRequest(ctx context.Context, method, endpoint string, params url.Values, body any) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, method, endpoint, params, body)
	if err != nil {
		return nil, &RequestFailed{Code: "0", Message: fmt.Sprintf("Unexpected error: %v", err)}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &ConnectionFailed{Err: err}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionFailed{Err: err}
	}

	isJSON := isJSONContentType(resp.Header.Get("Content-Type"))

	if resp.StatusCode != http.StatusOK {
		if isJSON {
			if err := checkApplicationErrors(content); err != nil {
				return nil, err
			}
		}
		return nil, &RequestFailed{Code: strconv.Itoa(resp.StatusCode), Message: "HTTP Request Error"}
	}

	// a broken login session is still answered with a 200
	if !isJSON {
		log.Ctx(ctx).WarnContext(ctx, "sunways returned non-json body", slog.String("path", endpoint), slog.String("contentType", resp.Header.Get("Content-Type")))
		return nil, &RequestFailed{Code: "0", Message: "Invalid response body"}
	}
	if !json.Valid(content) {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode sunways response", slog.String("path", endpoint), slog.String("body", string(content)))
		return nil, &RequestFailed{Code: "0", Message: "Invalid response body"}
	}

	if err := checkApplicationErrors(content); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "sunways api error", slog.String("path", endpoint), slog.Any("error", err))
		return nil, err
	}

	if token := resp.Header.Get("token"); token != "" {
		c.setToken(token)
	}

	var env map[string]json.RawMessage
	if json.Unmarshal(content, &env) == nil {
		if data, ok := env["data"]; ok {
			return data, nil
		}
	}
	return content, nil
}

func (c *Connection) setToken(token string) {
	jar := TokenJar{Token: token, Issued: c.now()}
	c.jar = &jar
	if c.onToken != nil {
		c.onToken(jar)
	}
}

// checkApplicationErrors inspects the {code, msg} envelope. Bodies that are
// not JSON objects carry no envelope and are accepted.
func checkApplicationErrors(content []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(content, &env); err != nil {
		return nil
	}

	rawCode, ok := env["code"]
	if !ok {
		return &RequestFailed{Code: "-1", Message: "Unexpected response: " + string(content)}
	}
	code := rawString(rawCode)
	if code == successCode {
		return nil
	}

	msg := rawString(env["msg"])
	if strings.HasPrefix(strings.ToLower(code), "auth_") {
		return &LoginFailed{RequestFailed{Code: code, Message: msg}}
	}
	return &RequestFailed{Code: code, Message: msg}
}

// rawString returns a JSON string or number as a plain string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// truthy mirrors what the API considers an empty value.
func truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`, "{}", "[]":
		return false
	}
	return true
}

func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

// encodePassword hashes the password with md5 and base64 encodes the hex
// digest, which is what the portal's web client sends.
func encodePassword(password string) string {
	hash := md5.Sum([]byte(password))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(hash[:])))
}
