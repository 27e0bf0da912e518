// Package security holds the TLS configuration types shared by transports and
// the metrics server.
package security

// TLSConfig configures a client connection to a broker.
//
// CACert, ClientCert and ClientKey are file paths. Verify and CheckHostname
// default to true when unset. Setting CheckHostname to false keeps chain
// verification but skips matching the server name.
type TLSConfig struct {
	CACert        string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
	ClientCert    string `json:"client_cert,omitempty" yaml:"client_cert,omitempty"`
	ClientKey     string `json:"client_key,omitempty" yaml:"client_key,omitempty"`
	Verify        *bool  `json:"verify,omitempty" yaml:"verify,omitempty"`
	CheckHostname *bool  `json:"check_hostname,omitempty" yaml:"check_hostname,omitempty"`
	ServerName    string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	MinVersion    string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
}

// VerifyEnabled reports whether certificate chains are verified.
func (c TLSConfig) VerifyEnabled() bool {
	return c.Verify == nil || *c.Verify
}

// HostnameCheckEnabled reports whether the server name must match.
func (c TLSConfig) HostnameCheckEnabled() bool {
	return c.VerifyEnabled() && (c.CheckHostname == nil || *c.CheckHostname)
}

// HasClientCert reports whether mutual TLS material is configured.
func (c TLSConfig) HasClientCert() bool {
	return c.ClientCert != "" && c.ClientKey != ""
}

// ServerTLSConfig configures TLS for the metrics HTTP server.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`
}

// Bool returns a pointer to v, for literal TLSConfig values.
func Bool(v bool) *bool {
	return &v
}
