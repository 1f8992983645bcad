package protocol

import (
	"encoding/json"
	"fmt"

	"oidcclient/oidcerr"
	"oidcclient/state"
)

// SigninState is the State persisted for an authorization request. It keeps
// the values needed once the provider redirects back: the nonce to compare
// with the id_token and the PKCE verifier for the token exchange.
type SigninState struct {
	state.State
	Nonce            string `json:"nonce,omitempty"`
	CodeVerifier     string `json:"code_verifier,omitempty"`
	Authority        string `json:"authority,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	RedirectURI      string `json:"redirect_uri,omitempty"`
	Scope            string `json:"scope,omitempty"`
	ResponseMode     string `json:"response_mode,omitempty"`
	ExtraTokenParams Params `json:"extraTokenParams,omitempty"`
	SkipUserInfo     bool   `json:"skipUserInfo,omitempty"`
}

// ToStorageString serializes the base state fields plus the signin fields.
func (s *SigninState) ToStorageString() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal signin state: %w", err)
	}
	return string(b), nil
}

// SigninStateFromStorageString is the inverse of SigninState.ToStorageString.
func SigninStateFromStorageString(value string) (*SigninState, error) {
	var s SigninState
	if err := state.Decode(value, &s); err != nil {
		return nil, oidcerr.Parse("invalid signin state storage string", err)
	}
	base := state.New(state.Args(s.State))
	s.State = *base
	return &s, nil
}
