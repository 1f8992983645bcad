// Package protocol builds authorization and end-session requests and parses
// the responses the provider redirects back with.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"oidcclient/oidcerr"
	"oidcclient/state"
)

// CodeChallengeMethod is the only PKCE transform this client emits.
const CodeChallengeMethod = "S256"

// SigninArgs are the inputs of an authorization request.
type SigninArgs struct {
	// Required.
	URL          string
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	Authority    string

	// Opaque caller payload kept on the state.
	Data        any
	RequestType string

	// Optional protocol parameters, appended only when set.
	Prompt       string
	Display      string
	MaxAge       *int
	UILocales    string
	IDTokenHint  string
	LoginHint    string
	AcrValues    string
	Resource     string
	ResponseMode string
	Request      string
	RequestURI   string

	ExtraQueryParams Params
	ExtraTokenParams Params
	SkipUserInfo     bool
}

// SigninRequest is an immutable authorization request URL and the state
// that must be persisted before navigating to it.
type SigninRequest struct {
	url   string
	state *SigninState
}

// NewSigninRequest validates args and builds the request URL.
func NewSigninRequest(args SigninArgs) (*SigninRequest, error) {
	required := []struct{ name, value string }{
		{"url", args.URL},
		{"client_id", args.ClientID},
		{"redirect_uri", args.RedirectURI},
		{"response_type", args.ResponseType},
		{"scope", args.Scope},
		{"authority", args.Authority},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, oidcerr.Validation("missing required parameter %s", r.name)
		}
	}

	data, err := marshalData(args.Data)
	if err != nil {
		return nil, err
	}

	oidc := IsOIDC(args.ResponseType)
	code := IsCode(args.ResponseType)

	st := &SigninState{
		State:            *state.New(state.Args{Data: data, RequestType: args.RequestType}),
		Authority:        args.Authority,
		ClientID:         args.ClientID,
		RedirectURI:      args.RedirectURI,
		Scope:            args.Scope,
		ResponseMode:     args.ResponseMode,
		ExtraTokenParams: args.ExtraTokenParams,
		SkipUserInfo:     args.SkipUserInfo,
	}
	if oidc {
		st.Nonce = state.NewID()
	}
	if code {
		st.CodeVerifier = oauth2.GenerateVerifier()
	}

	u := args.URL
	u = AddQueryParam(u, "client_id", args.ClientID)
	u = AddQueryParam(u, "redirect_uri", args.RedirectURI)
	u = AddQueryParam(u, "response_type", args.ResponseType)
	u = AddQueryParam(u, "scope", args.Scope)
	u = AddQueryParam(u, "state", st.ID)

	maxAge := ""
	if args.MaxAge != nil {
		maxAge = strconv.Itoa(*args.MaxAge)
	}
	optional := []struct{ name, value string }{
		{"prompt", args.Prompt},
		{"display", args.Display},
		{"max_age", maxAge},
		{"ui_locales", args.UILocales},
		{"id_token_hint", args.IDTokenHint},
		{"login_hint", args.LoginHint},
		{"acr_values", args.AcrValues},
		{"resource", args.Resource},
		{"response_mode", args.ResponseMode},
		{"request", args.Request},
		{"request_uri", args.RequestURI},
	}
	for _, o := range optional {
		if o.value != "" {
			u = AddQueryParam(u, o.name, o.value)
		}
	}

	if oidc {
		u = AddQueryParam(u, "nonce", st.Nonce)
	}
	if code {
		u = AddQueryParam(u, "code_challenge", oauth2.S256ChallengeFromVerifier(st.CodeVerifier))
		u = AddQueryParam(u, "code_challenge_method", CodeChallengeMethod)
	}

	for _, kv := range args.ExtraQueryParams {
		u = AddQueryParam(u, kv.Name, kv.Value)
	}

	return &SigninRequest{url: u, state: st}, nil
}

// URL is the authorization request to navigate to.
func (r *SigninRequest) URL() string { return r.url }

// State is the correlation state to persist under State().ID.
func (r *SigninRequest) State() *SigninState { return r.state }

// IsOIDC reports whether responseType requests an id_token.
func IsOIDC(responseType string) bool {
	return hasResponseType(responseType, "id_token")
}

// IsOAuth reports whether responseType requests an access token directly.
func IsOAuth(responseType string) bool {
	return hasResponseType(responseType, "token")
}

// IsCode reports whether responseType requests an authorization code.
func IsCode(responseType string) bool {
	return hasResponseType(responseType, "code")
}

func hasResponseType(responseType, want string) bool {
	for _, t := range strings.Fields(responseType) {
		if t == want {
			return true
		}
	}
	return false
}

func marshalData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, oidcerr.Wrap(err, oidcerr.KindValidation, fmt.Sprintf("state data of type %T is not serializable", v))
	}
	return b, nil
}
