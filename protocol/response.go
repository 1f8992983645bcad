package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"oidcclient/oidcerr"
)

// ErrorResponse is an error returned by the provider through a redirect.
type ErrorResponse struct {
	ErrorCode   string
	Description string
	URI         string
	State       string
}

// NewErrorResponse requires the error code.
func NewErrorResponse(code, description, uri, st string) (*ErrorResponse, error) {
	if code == "" {
		return nil, oidcerr.Validation("missing required parameter error")
	}
	return &ErrorResponse{ErrorCode: code, Description: description, URI: uri, State: st}, nil
}

// Message is the description if set, else the error code.
func (e *ErrorResponse) Message() string {
	if e.Description != "" {
		return e.Description
	}
	return e.ErrorCode
}

func (e *ErrorResponse) Error() string {
	return e.Message()
}

// SigninResponse holds the values the provider redirected back with, later
// completed by the token exchange and claims validation.
type SigninResponse struct {
	State        string
	Code         string
	IDToken      string
	SessionState string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	// ExpiresAt is absolute epoch seconds; zero when unknown.
	ExpiresAt int64
	Profile   map[string]any
	// Data is the caller payload of the matching stored state.
	Data json.RawMessage

	err *ErrorResponse
}

// ParseSigninResponse reads the response from the fragment ("#") or the
// query ("?") of rawURL.
func ParseSigninResponse(rawURL, delimiter string) *SigninResponse {
	values := ParseURLFragment(rawURL, delimiter)

	resp := &SigninResponse{State: values["state"]}
	if values["error"] != "" {
		resp.err = &ErrorResponse{
			ErrorCode:   values["error"],
			Description: values["error_description"],
			URI:         values["error_uri"],
			State:       values["state"],
		}
		return resp
	}

	resp.Code = values["code"]
	resp.IDToken = values["id_token"]
	resp.SessionState = values["session_state"]
	resp.AccessToken = values["access_token"]
	resp.TokenType = values["token_type"]
	resp.Scope = values["scope"]
	if n, err := strconv.ParseInt(values["expires_in"], 10, 64); err == nil {
		resp.SetExpiresIn(n, time.Now())
	}
	return resp
}

// Err returns the provider error carried by the response, if any.
func (r *SigninResponse) Err() *ErrorResponse {
	return r.err
}

// SetExpiresIn records an expires_in relative to now. Non-positive values
// are ignored.
func (r *SigninResponse) SetExpiresIn(seconds int64, now time.Time) {
	if seconds > 0 {
		r.ExpiresAt = now.Unix() + seconds
	}
}

// ExpiresIn is the remaining lifetime at now.
func (r *SigninResponse) ExpiresIn(now time.Time) (int64, bool) {
	if r.ExpiresAt == 0 {
		return 0, false
	}
	return r.ExpiresAt - now.Unix(), true
}

// Scopes splits the granted scope.
func (r *SigninResponse) Scopes() []string {
	return strings.Fields(r.Scope)
}

// IsOpenIDConnect reports whether an id_token was returned.
func (r *SigninResponse) IsOpenIDConnect() bool {
	return r.IDToken != ""
}

// Token exposes the response as an oauth2 token.
func (r *SigninResponse) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresAt > 0 {
		tok.Expiry = time.Unix(r.ExpiresAt, 0)
	}
	if r.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": r.IDToken})
	}
	return tok
}

// SignoutResponse is the end-session redirect back to the client.
type SignoutResponse struct {
	State string
	Data  json.RawMessage
	err   *ErrorResponse
}

// ParseSignoutResponse reads the state and error from the query of rawURL.
func ParseSignoutResponse(rawURL string) *SignoutResponse {
	values := ParseURLFragment(rawURL, "?")
	resp := &SignoutResponse{State: values["state"]}
	if values["error"] != "" {
		resp.err = &ErrorResponse{
			ErrorCode:   values["error"],
			Description: values["error_description"],
			URI:         values["error_uri"],
			State:       values["state"],
		}
	}
	return resp
}

// Err returns the provider error carried by the response, if any.
func (r *SignoutResponse) Err() *ErrorResponse {
	return r.err
}
