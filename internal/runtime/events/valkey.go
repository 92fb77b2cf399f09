package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "tripguard.events"

// TLSConfig enables TLS towards the valkey server.
type TLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig addresses the valkey server events are published to.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Channel  string
	TLS      TLSConfig
}

// Valkey publishes JSON-encoded events to a channel. It never subscribes.
type Valkey struct {
	client  valkey.Client
	channel string
}

// NewValkey connects to the server and verifies it with PING.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("events: valkey address required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := loadTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("events: valkey client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: valkey ping: %w", err)
	}
	return &Valkey{client: client, channel: channel}, nil
}

func loadTLS(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("events: read valkey ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("events: valkey ca file contains no certificates")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Channel reports the channel events are published to.
func (v *Valkey) Channel() string { return v.channel }

// Publish sends the event. Having no subscribers is not an error.
func (v *Valkey) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	cmd := v.client.B().Publish().Channel(v.channel).Message(string(payload)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("events: valkey publish: %w", err)
	}
	return nil
}

func (v *Valkey) Close(context.Context) error {
	v.client.Close()
	return nil
}
