package fallback

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyBackend struct {
	client valkey.Client
	// prefix scopes Len to this store's keys on a shared server.
	prefix string
}

// NewValkey connects to a Redis-compatible server. Keys are written without
// expiry; staleness is judged on read.
func NewValkey(cfg ValkeyConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("fallback: valkey address required")
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
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("fallback: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("fallback: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("fallback: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("fallback: valkey ping: %w", err)
	}

	return &valkeyBackend{client: client, prefix: KeyPrefix}, nil
}

func (b *valkeyBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("fallback: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Record{}, false, fmt.Errorf("fallback: valkey get bytes: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, fmt.Errorf("fallback: valkey unmarshal: %w", err)
	}
	return record, true, nil
}

func (b *valkeyBackend) Save(ctx context.Context, key string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("fallback: valkey marshal: %w", err)
	}
	cmd := b.client.B().Set().Key(key).Value(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("fallback: valkey set: %w", err)
	}
	return nil
}

func (b *valkeyBackend) Len(ctx context.Context) (int64, error) {
	var (
		count  int64
		cursor uint64
	)
	for {
		cmd := b.client.B().Scan().Cursor(cursor).Match(b.prefix + "*").Count(500).Build()
		entry, err := b.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("fallback: valkey scan: %w", err)
		}
		count += int64(len(entry.Elements))
		cursor = entry.Cursor
		if cursor == 0 {
			return count, nil
		}
	}
}

func (b *valkeyBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}
