package server

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type ServerConfig struct {
	TCPAddr          string        `mapstructure:"tcp_addr" validate:"required_without_all=UDPAddr TunnelAddr"`
	UDPAddr          string        `mapstructure:"udp_addr"`
	ProxyProtocol    bool          `mapstructure:"proxy_protocol"`
	TunnelAddr       string        `mapstructure:"tunnel_addr"`
	TunnelToken      string        `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout" validate:"min=0"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	MaxLineLength    int           `mapstructure:"max_line_length" validate:"min=8,max=4096"`
	PacketRate       float64       `mapstructure:"packet_rate" validate:"min=0"`
	PacketBurst      int           `mapstructure:"packet_burst" validate:"min=0"`
}

// DefaultConfig listens for TCP on the standard port with no rate limit.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		TCPAddr:          ":31000",
		FirstByteTimeout: 2 * time.Second,
		IdleTimeout:      5 * time.Minute,
		MaxLineLength:    600,
	}
}

func (c *ServerConfig) Validate() error {
	return validator.New().Struct(c)
}
