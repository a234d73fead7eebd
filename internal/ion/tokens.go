package ion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
)

// TokenFile holds a saved ion token.
type TokenFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Server       string    `json:"server"`
	APIURL       string    `json:"api_url"`
}

// IsExpired returns true if the token has expired (with optional margin).
// Tokens without an expiry never expire.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// OAuth2 converts the saved token for use with a token source.
func (t *TokenFile) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.ExpiresAt,
	}
}

func tokenFileFrom(server Server, apiURL string, tok *oauth2.Token) *TokenFile {
	return &TokenFile{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Server:       server.Key(),
		APIURL:       apiURL,
	}
}

// TokenStore persists one token file per server.
type TokenStore struct {
	fs  afero.Fs
	dir string
}

// NewTokenStore stores tokens under dir on fs. A nil fs means the OS
// filesystem.
func NewTokenStore(fs afero.Fs, dir string) *TokenStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &TokenStore{fs: fs, dir: dir}
}

// DefaultTokenDir returns ~/.tilestream/tokens.
func DefaultTokenDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".tilestream", "tokens")
	}
	return filepath.Join(home, ".tilestream", "tokens")
}

// Path returns the token file for a server key.
func (s *TokenStore) Path(serverKey string) string {
	return filepath.Join(s.dir, fileName(serverKey)+".json")
}

// Save writes the token file for its server.
func (s *TokenStore) Save(tf *TokenFile) error {
	path := s.Path(tf.Server)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, path, data, 0600)
}

// Load reads the token file for a server. It returns nil, nil when no
// token has been saved.
func (s *TokenStore) Load(serverKey string) (*TokenFile, error) {
	data, err := afero.ReadFile(s.fs, s.Path(serverKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	if tf.AccessToken == "" {
		return nil, nil
	}
	return &tf, nil
}

// Delete removes the token file for a server. A missing file is not an
// error.
func (s *TokenStore) Delete(serverKey string) error {
	err := s.fs.Remove(s.Path(serverKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// fileName turns a server key such as https://ion.cesium.com into
// ion.cesium.com.
func fileName(serverKey string) string {
	key := serverKey
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
