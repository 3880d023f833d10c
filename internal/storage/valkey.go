package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// clientSideTTL bounds how long a value may be served from the valkey-go
// client-side cache before the server is consulted again.
const clientSideTTL = time.Minute

// Valkey stores values in Valkey using server-assisted client-side caching.
// Values do not expire; a session is removed only by Delete.
type Valkey struct {
	client valkey.Client
}

var _ Storage = (*Valkey)(nil)

func NewValkey(client valkey.Client) *Valkey {
	return &Valkey{client: client}
}

func (v *Valkey) Save(ctx context.Context, key string, value []byte) error {
	cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set stored value: %w", err)
	}
	return nil
}

func (v *Valkey) Load(ctx context.Context, key string) ([]byte, bool, error) {
	cmd := v.client.B().Get().Key(key).Cache()
	result := v.client.DoCache(ctx, cmd, clientSideTTL)

	if err := result.Error(); err != nil {
		// Key not found is not an error in our semantics
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get stored value: %w", err)
	}

	data, err := result.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read stored value: %w", err)
	}
	return data, true, nil
}

func (v *Valkey) Delete(ctx context.Context, key string) error {
	cmd := v.client.B().Del().Key(key).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete stored value: %w", err)
	}
	return nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

// StaticCredentialsFn returns an AuthCredentialsFn that always returns the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}
