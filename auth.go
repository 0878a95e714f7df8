package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Role is the access level of a session
type Role int

// Access levels
const (
	AccessAnon Role = iota
	AccessUser
	AccessAdmin
)

func (r Role) String() string {
	switch r {
	case AccessAdmin:
		return "ADMIN"
	case AccessUser:
		return "USER"
	default:
		return "ANON"
	}
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole maps a credential's role field; anything but ADMIN is USER
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), "admin") {
		return AccessAdmin
	}
	return AccessUser
}

// Authentication modes
const (
	AuthModeBypass  = "bypass"
	AuthModeForm    = "form"
	AuthModeLibrary = "library"
)

const (
	defaultCookieName = "lyra_auth"
	defaultExpiryDays = 30
	bypassName        = "Bypass Admin"
	bypassUsername    = "admin"

	sessionUserKey    = "username"
	sessionExpiresKey = "expires"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

// AuthResult describes the current session
type AuthResult struct {
	Name          string `json:"name,omitempty"`
	Username      string `json:"username,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Role          Role   `json:"role"`
}

// Credential is one user entry; Password is a bcrypt hash
type Credential struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// CookieConfig controls the session cookie
type CookieConfig struct {
	Name       string  `yaml:"name"`
	Key        string  `yaml:"key"`
	ExpiryDays float64 `yaml:"expiry_days"`
}

// Credentials is the YAML credentials file
type Credentials struct {
	Usernames map[string]Credential `yaml:"usernames"`
	Cookie    CookieConfig          `yaml:"cookie"`
}

// LoadCredentials reads a credentials YAML file
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return &creds, nil
}

func (c *Credentials) cookieName() string {
	if c != nil && c.Cookie.Name != "" {
		return c.Cookie.Name
	}
	return defaultCookieName
}

func (c *Credentials) expiry() time.Duration {
	days := float64(defaultExpiryDays)
	if c != nil && c.Cookie.ExpiryDays > 0 {
		days = c.Cookie.ExpiryDays
	}
	return time.Duration(days * float64(24*time.Hour))
}

// firstUsername returns the alphabetically first configured user
func (c *Credentials) firstUsername() string {
	if c == nil {
		return ""
	}
	first := ""
	for name := range c.Usernames {
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

// verify checks a password against the stored bcrypt hash
func (c *Credentials) verify(username, password string) (Credential, error) {
	if c == nil {
		return Credential{}, ErrInvalidCredentials
	}
	cred, ok := c.Usernames[username]
	if !ok || cred.Password == "" {
		return Credential{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.Password), []byte(password)); err != nil {
		return Credential{}, ErrInvalidCredentials
	}
	return cred, nil
}

func (c *Credentials) result(username string) AuthResult {
	cred, ok := c.Usernames[username]
	if !ok {
		return AuthResult{}
	}
	name := cred.Name
	if name == "" {
		name = username
	}
	return AuthResult{Name: name, Username: username, Authenticated: true, Role: ParseRole(cred.Role)}
}

// SessionAuthenticator is the login capability behind the HTTP API
type SessionAuthenticator interface {
	Login(c *gin.Context, username, password string) (AuthResult, error)
	Current(c *gin.Context) AuthResult
	Logout(c *gin.Context)
	Role(c *gin.Context) Role

	// Middleware loads the session state the other methods read
	Middleware() gin.HandlerFunc
}

// NewAuthenticator selects the authenticator for mode. secret signs session
// cookies; when empty the credentials cookie key is used, then a random key.
func NewAuthenticator(mode string, creds *Credentials, secret string) (SessionAuthenticator, error) {
	switch strings.ToLower(mode) {
	case "", AuthModeBypass:
		return &BypassAdmin{Username: creds.firstUsername()}, nil
	case AuthModeForm:
		if creds == nil || len(creds.Usernames) == 0 {
			return nil, fmt.Errorf("auth mode %q needs a credentials file with users", mode)
		}
		return NewFormBacked(creds, []byte(secretOr(secret, creds))), nil
	case AuthModeLibrary:
		if creds == nil || len(creds.Usernames) == 0 {
			return nil, fmt.Errorf("auth mode %q needs a credentials file with users", mode)
		}
		return NewLibraryBacked(creds, []byte(secretOr(secret, creds))), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func secretOr(secret string, creds *Credentials) string {
	if secret != "" {
		return secret
	}
	return creds.Cookie.Key
}

// BypassAdmin treats every request as an authenticated admin
type BypassAdmin struct {
	Username string
}

func (b *BypassAdmin) result() AuthResult {
	username := b.Username
	if username == "" {
		username = bypassUsername
	}
	return AuthResult{Name: bypassName, Username: username, Authenticated: true, Role: AccessAdmin}
}

// Middleware is a no-op; bypass keeps no session
func (b *BypassAdmin) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) { c.Next() }
}

// Login always succeeds
func (b *BypassAdmin) Login(c *gin.Context, username, password string) (AuthResult, error) {
	return b.result(), nil
}

// Current always returns the admin session
func (b *BypassAdmin) Current(c *gin.Context) AuthResult { return b.result() }

// Logout does nothing
func (b *BypassAdmin) Logout(c *gin.Context) {}

// Role is always ADMIN
func (b *BypassAdmin) Role(c *gin.Context) Role { return AccessAdmin }

// storeBacked checks bcrypt credentials and keeps the username and expiry in
// a gin-contrib session. The store decides where the session lives.
type storeBacked struct {
	creds *Credentials
	store sessions.Store
	now   func() time.Time
}

func newStoreBacked(creds *Credentials, store sessions.Store) storeBacked {
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(creds.expiry().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return storeBacked{creds: creds, store: store, now: time.Now}
}

// Middleware attaches the session named by the credentials cookie
func (s *storeBacked) Middleware() gin.HandlerFunc {
	return sessions.Sessions(s.creds.cookieName(), s.store)
}

// Login verifies the password and starts a session
func (s *storeBacked) Login(c *gin.Context, username, password string) (AuthResult, error) {
	if _, err := s.creds.verify(username, password); err != nil {
		log.Warn().Str("username", username).Msg("login failed")
		return AuthResult{}, err
	}

	session := sessions.Default(c)
	session.Clear()
	session.Set(sessionUserKey, username)
	session.Set(sessionExpiresKey, s.now().Add(s.creds.expiry()).Unix())
	if err := session.Save(); err != nil {
		return AuthResult{}, fmt.Errorf("failed to save session: %w", err)
	}

	log.Info().Str("username", username).Msg("login")
	return s.creds.result(username), nil
}

// Current returns the session's user, or ANON when there is none or it expired
func (s *storeBacked) Current(c *gin.Context) AuthResult {
	session := sessions.Default(c)
	username, _ := session.Get(sessionUserKey).(string)
	expires, _ := session.Get(sessionExpiresKey).(int64)
	if username == "" || s.now().Unix() > expires {
		return AuthResult{}
	}
	return s.creds.result(username)
}

// Logout deletes the session and expires the cookie
func (s *storeBacked) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1, HttpOnly: true})
	if err := session.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to clear session")
	}
}

// Role returns the current session's role
func (s *storeBacked) Role(c *gin.Context) Role { return s.Current(c).Role }

// FormBacked keeps sessions server-side in memory; the cookie only carries
// the signed session ID, so logout revokes it
type FormBacked struct {
	storeBacked
}

// NewFormBacked creates a form authenticator over creds. A random key is
// generated when secret is empty.
func NewFormBacked(creds *Credentials, secret []byte) *FormBacked {
	return &FormBacked{newStoreBacked(creds, memstore.NewStore(sessionKey(secret)))}
}

// LibraryBacked keeps no server state: the session values travel in a
// signed cookie
type LibraryBacked struct {
	storeBacked
}

// NewLibraryBacked creates a cookie-session authenticator. A random key is
// generated when secret is empty, so sessions end on restart.
func NewLibraryBacked(creds *Credentials, secret []byte) *LibraryBacked {
	return &LibraryBacked{newStoreBacked(creds, cookie.NewStore(sessionKey(secret)))}
}

// sessionKey returns secret, or a random key when it is empty
func sessionKey(secret []byte) []byte {
	if len(secret) > 0 {
		return secret
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("failed to generate session secret: %v", err))
	}
	log.Warn().Msg("no session secret configured; sessions will not survive a restart")
	return key
}

// RequireRole rejects requests below min with 401
func RequireRole(auth SessionAuthenticator, min Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.Role(c) < min {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		c.Next()
	}
}
