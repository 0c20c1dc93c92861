package config

// TransportConfig selects the binding and how it listens.
// Example YAML:
// transport:
//
//	kind: tcp            # tcp, quic or mem
//	listen: ":0"         # socket address for tcp/quic
//	interface: en0       # optional, restricts mDNS to one NIC
//	domain: local.
//	advertise: true      # announce listeners over mDNS
type TransportConfig struct {
	Kind      string `mapstructure:"kind"`
	Listen    string `mapstructure:"listen"`
	Interface string `mapstructure:"interface"`
	Domain    string `mapstructure:"domain"`
	Advertise bool   `mapstructure:"advertise"`
}
