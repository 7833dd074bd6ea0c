package models

// ClientRegistration is the subset of a relying party's registration the
// session subsystem needs.
type ClientRegistration struct {
	ClientID   string `yaml:"client_id" json:"client_id"`
	ClientName string `yaml:"client_name,omitempty" json:"client_name,omitempty"`

	// BackchannelLogoutURI receives logout tokens, empty disables notifications.
	BackchannelLogoutURI string `yaml:"backchannel_logout_uri,omitempty" json:"backchannel_logout_uri,omitempty"`

	// BackchannelLogoutSessionRequired requests the sid claim in logout tokens.
	BackchannelLogoutSessionRequired bool `yaml:"backchannel_logout_session_required,omitempty" json:"backchannel_logout_session_required,omitempty"`
}
