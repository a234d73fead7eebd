package ion

import (
	"fmt"
	"time"
)

// Error codes carried in Response.ErrorCode. Codes other than these come
// from the server's error body.
const (
	ErrorCodeInvalidCredentials = "InvalidCredentials"
	ErrorCodeNotConnected       = "NotConnected"
	ErrorCodeInvalidToken       = "InvalidToken"
	ErrorCodeNetwork            = "NetworkError"
	ErrorCodeParse              = "ParseError"
)

// Response is the result of a REST call. Value is nil on failure.
type Response[T any] struct {
	Value        *T
	StatusCode   int
	ErrorCode    string
	ErrorMessage string
}

// Err returns a *ResponseError describing a failed response, or nil.
func (r Response[T]) Err() error {
	if r.Value != nil {
		return nil
	}
	return &ResponseError{StatusCode: r.StatusCode, Code: r.ErrorCode, Message: r.ErrorMessage}
}

// InvalidCredentials reports whether the server rejected the token.
func (r Response[T]) InvalidCredentials() bool {
	return r.ErrorCode == ErrorCodeInvalidCredentials
}

// ResponseError is a failed REST call.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ResponseError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s (Code %s)", e.Message, e.Code)
	case e.Code != "":
		return "Code " + e.Code
	case e.Message != "":
		return e.Message
	default:
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Profile is the signed-in user.
type Profile struct {
	ID            int64        `json:"id"`
	Scopes        []string     `json:"scopes"`
	Username      string       `json:"username"`
	Email         string       `json:"email"`
	EmailVerified bool         `json:"emailVerified"`
	Avatar        string       `json:"avatar"`
	Storage       StorageUsage `json:"storage"`
}

// StorageUsage is the account's storage quota in bytes.
type StorageUsage struct {
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
	Total     int64 `json:"total"`
}

// Asset is one entry of the asset list.
type Asset struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Attribution     string    `json:"attribution"`
	Type            string    `json:"type"`
	Bytes           int64     `json:"bytes"`
	DateAdded       time.Time `json:"dateAdded"`
	Status          string    `json:"status"`
	PercentComplete int       `json:"percentComplete"`
}

// Assets is the asset list.
type Assets struct {
	Link  string  `json:"link"`
	Items []Asset `json:"items"`
}

// Token is an access token and its metadata.
type Token struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Token        string     `json:"token"`
	DateAdded    *time.Time `json:"dateAdded,omitempty"`
	DateModified *time.Time `json:"dateModified,omitempty"`
	DateLastUsed *time.Time `json:"dateLastUsed,omitempty"`
	AssetIDs     []int64    `json:"assetIds,omitempty"`
	IsDefault    bool       `json:"isDefault"`
	AllowedURLs  []string   `json:"allowedUrls,omitempty"`
	Scopes       []string   `json:"scopes"`
}

// TokenList is the token list.
type TokenList struct {
	Items []Token `json:"items"`
}

// Defaults holds the server's default and quick-add assets.
type Defaults struct {
	DefaultAssets  DefaultAssets   `json:"defaultAssets"`
	QuickAddAssets []QuickAddAsset `json:"quickAddAssets"`
}

// DefaultAssets names the default imagery, terrain and buildings.
type DefaultAssets struct {
	Imagery   int64 `json:"imagery"`
	Terrain   int64 `json:"terrain"`
	Buildings int64 `json:"buildings"`
}

// QuickAddAsset is a suggested asset.
type QuickAddAsset struct {
	Name           string                  `json:"name"`
	ObjectName     string                  `json:"objectName"`
	Description    string                  `json:"description"`
	AssetID        int64                   `json:"assetId"`
	Type           string                  `json:"type"`
	Subscribed     bool                    `json:"subscribed"`
	RasterOverlays []QuickAddRasterOverlay `json:"rasterOverlays"`
}

// QuickAddRasterOverlay is an overlay suggested with a quick-add asset.
type QuickAddRasterOverlay struct {
	Name       string `json:"name"`
	AssetID    int64  `json:"assetId"`
	Subscribed bool   `json:"subscribed"`
}

// AppData describes the server deployment.
type AppData struct {
	ApplicationMode string `json:"applicationMode"`
	DataStoreType   string `json:"dataStoreType"`
	Attribution     string `json:"attribution"`
}

// AssetEndpoint tells a client where to stream an asset from.
type AssetEndpoint struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}
