package domain

// Credentials authenticate against the upstream login endpoint. Exactly one
// mode is used: client id + passkey, or the legacy email + password pair.
type Credentials struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	ClientID string `yaml:"x_client_id"`
	PassKey  string `yaml:"passkey"`
}

// CredentialMode identifies which pair of fields is in use.
type CredentialMode string

const (
	ModeNone     CredentialMode = ""
	ModeClientID CredentialMode = "client_id"
	ModeEmail    CredentialMode = "email"
)

// Normalize validates the credentials and clears the legacy email/password
// pair when a complete client id/passkey pair is also present.
func (c Credentials) Normalize() (Credentials, error) {
	switch {
	case c.hasClientID():
		c.Email = ""
		c.Password = ""
		return c, nil
	case c.hasEmail():
		return c, nil
	default:
		return Credentials{}, ErrNoCredentials
	}
}

// Mode reports the usable credential mode, preferring client id/passkey.
func (c Credentials) Mode() CredentialMode {
	if c.hasClientID() {
		return ModeClientID
	}
	if c.hasEmail() {
		return ModeEmail
	}
	return ModeNone
}

func (c Credentials) hasClientID() bool {
	return c.ClientID != "" && c.PassKey != ""
}

func (c Credentials) hasEmail() bool {
	return c.Email != "" && c.Password != ""
}
