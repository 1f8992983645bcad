package protocol

import (
	"oidcclient/oidcerr"
	"oidcclient/state"
)

// SignoutArgs are the inputs of an end-session request.
type SignoutArgs struct {
	URL                   string
	IDTokenHint           string
	PostLogoutRedirectURI string
	Data                  any
	RequestType           string
	ExtraQueryParams      Params
}

// SignoutRequest is an immutable end-session URL and, when the provider is
// expected to redirect back, its correlation state.
type SignoutRequest struct {
	url   string
	state *state.State
}

// NewSignoutRequest builds the end-session URL. A state is only created
// when both a post-logout redirect and caller data are present.
func NewSignoutRequest(args SignoutArgs) (*SignoutRequest, error) {
	if args.URL == "" {
		return nil, oidcerr.Validation("missing required parameter url")
	}

	req := &SignoutRequest{}
	u := args.URL
	if args.IDTokenHint != "" {
		u = AddQueryParam(u, "id_token_hint", args.IDTokenHint)
	}
	if args.PostLogoutRedirectURI != "" {
		u = AddQueryParam(u, "post_logout_redirect_uri", args.PostLogoutRedirectURI)

		if args.Data != nil {
			data, err := marshalData(args.Data)
			if err != nil {
				return nil, err
			}
			req.state = state.New(state.Args{Data: data, RequestType: args.RequestType})
			u = AddQueryParam(u, "state", req.state.ID)
		}
	}
	for _, kv := range args.ExtraQueryParams {
		u = AddQueryParam(u, kv.Name, kv.Value)
	}

	req.url = u
	return req, nil
}

// URL is the end-session request to navigate to.
func (r *SignoutRequest) URL() string { return r.url }

// State is nil unless a round trip is expected.
func (r *SignoutRequest) State() *state.State { return r.state }
