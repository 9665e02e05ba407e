package kiro

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRefreshLead is how long before expiry a token counts as expired.
const DefaultRefreshLead = 5 * time.Minute

// KiroTokenStorage is the on-disk credential record for one Kiro account,
// compatible with the kiro-auth-token.json files the Kiro IDE writes.
type KiroTokenStorage struct {
	// AccessToken is the OAuth access token for API requests.
	AccessToken string `json:"accessToken"`

	// RefreshToken is used to obtain new access tokens when they expire.
	RefreshToken string `json:"refreshToken"`

	// ProfileArn is set by the social refresh flow and required at request
	// time for social accounts.
	ProfileArn string `json:"profileArn,omitempty"`

	// ExpiresAt indicates when the access token expires.
	ExpiresAt time.Time `json:"expiresAt"`

	// AuthMethod is "social" or "idc".
	AuthMethod string `json:"authMethod,omitempty"`

	// Provider is the OAuth provider used for social login (e.g. "GitHub").
	Provider string `json:"provider,omitempty"`

	// ClientID and ClientSecret are Identity Center client credentials,
	// required to refresh idc accounts.
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`

	// Region overrides the region derived from ProfileArn.
	Region string `json:"region,omitempty"`

	// Type is always "kiro" for this storage.
	Type string `json:"type"`
}

// SaveTokenToFile serializes the token record as JSON, creating parent
// directories with owner-only permissions.
func (ts *KiroTokenStorage) SaveTokenToFile(authFilePath string) error {
	log.Debugf("kiro auth: saving credentials to %s", authFilePath)
	ts.Type = "kiro"
	if err := os.MkdirAll(filepath.Dir(authFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(authFilePath)
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() {
		if errClose := f.Close(); errClose != nil {
			log.Errorf("failed to close file: %v", errClose)
		}
	}()

	if err = json.NewEncoder(f).Encode(ts); err != nil {
		return fmt.Errorf("failed to write token to file: %w", err)
	}
	return nil
}

// LoadTokenFromFile reads a token record from disk.
func LoadTokenFromFile(authFilePath string) (*KiroTokenStorage, error) {
	data, err := os.ReadFile(authFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	return ParseToken(data)
}

// ParseToken decodes a token record from raw JSON. expiresAt values written
// as RFC3339 strings by other tooling are accepted.
func ParseToken(data []byte) (*KiroTokenStorage, error) {
	var token KiroTokenStorage
	if err := json.Unmarshal(data, &token); err != nil {
		// Some writers store expiresAt as a plain string; retry with a loose decode.
		var raw map[string]any
		if rawErr := json.Unmarshal(data, &raw); rawErr != nil {
			return nil, fmt.Errorf("failed to decode token file: %w", err)
		}
		token = tokenFromLooseMap(raw)
		if token.AccessToken == "" && token.RefreshToken == "" {
			return nil, fmt.Errorf("failed to decode token file: %w", err)
		}
	}

	token.Type = "kiro"
	return &token, nil
}

func tokenFromLooseMap(raw map[string]any) KiroTokenStorage {
	str := func(key string) string {
		if v, ok := raw[key].(string); ok {
			return v
		}
		return ""
	}
	token := KiroTokenStorage{
		AccessToken:  str("accessToken"),
		RefreshToken: str("refreshToken"),
		ProfileArn:   str("profileArn"),
		AuthMethod:   str("authMethod"),
		Provider:     str("provider"),
		ClientID:     str("clientId"),
		ClientSecret: str("clientSecret"),
		Region:       str("region"),
	}
	if expiresStr := str("expiresAt"); expiresStr != "" {
		if parsed, err := time.Parse(time.RFC3339, expiresStr); err == nil {
			token.ExpiresAt = parsed
		}
	}
	return token
}

// ApplyRefresh folds a refresh result into the stored credentials. Fields the
// upstream omitted keep their previous values.
func (ts *KiroTokenStorage) ApplyRefresh(result *RefreshResult) {
	if ts == nil || result == nil {
		return
	}
	ts.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		ts.RefreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		ts.ProfileArn = result.ProfileArn
	}
	ts.ExpiresAt = result.ExpiresAt
}

// IsExpired reports whether the token is expired or inside the default
// refresh lead window.
func (ts *KiroTokenStorage) IsExpired() bool {
	return ts.ExpiresWithin(DefaultRefreshLead)
}

// ExpiresWithin reports whether the token expires inside the given window.
func (ts *KiroTokenStorage) ExpiresWithin(lead time.Duration) bool {
	return time.Until(ts.ExpiresAt) <= lead
}

// IsSocial reports whether the account uses the social refresh flow. An
// unset auth method counts as social, matching how the Kiro IDE writes
// token files for social logins.
func (ts *KiroTokenStorage) IsSocial() bool {
	method := strings.ToLower(strings.TrimSpace(ts.AuthMethod))
	return method == "" || method == AuthMethodSocial
}

// ResolveRegion picks the effective region: explicit field, then the profile
// ARN, then the default.
func (ts *KiroTokenStorage) ResolveRegion() string {
	if region := strings.TrimSpace(ts.Region); region != "" {
		return region
	}
	if region := ExtractRegionFromARN(ts.ProfileArn); region != "" {
		return region
	}
	return defaultRegion
}
