// Package vault manages per-user exchange credentials: linking, unlinking,
// disconnecting and reconnecting encrypted API keys, and handing out
// decrypted Credential values to callers that need to call an exchange.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"strategyengine/internal/events"
	"strategyengine/pkg/crypto"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"
)

var (
	ErrNotLinked    = errors.New("vault: exchange not linked for user")
	ErrAlreadyExist = errors.New("vault: exchange already linked for user")
)

// Vault issues decrypted credentials and manages the encrypted-at-rest
// linked-exchange records.
type Vault struct {
	db   *db.Database
	keys *crypto.KeyManager
	bus  *events.Bus
}

// New builds a Vault backed by db, encrypting new secrets under the
// highest version in keys and decrypting existing secrets under whichever
// version their ENC[v%d]: prefix names. keys must contain a version 1
// entry; a caller rotating the master key adds the new key as the next
// version and keeps the old one so credentials encrypted under it can
// still be read (and ReEncrypted).
func New(database *db.Database, keys map[int][]byte, bus *events.Bus) (*Vault, error) {
	km, err := crypto.NewKeyManager(keys)
	if err != nil {
		return nil, fmt.Errorf("vault: build key manager: %w", err)
	}
	return &Vault{db: database, keys: km, bus: bus}, nil
}

// Link stores a new encrypted credential for a user against an exchange
// catalog entry, returning the UserExchange record id.
func (v *Vault) Link(ctx context.Context, userID, exchangeID, exchangeType, apiKey, apiSecret string) (string, error) {
	encKey, err := v.keys.Encrypt(apiKey)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt api key: %w", err)
	}
	encSecret, err := v.keys.Encrypt(apiSecret)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt api secret: %w", err)
	}

	ue := db.UserExchange{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExchangeID:         exchangeID,
		ExchangeType:       exchangeType,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		IsActive:           true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := v.db.CreateUserExchange(ctx, ue); err != nil {
		return "", fmt.Errorf("vault: create user_exchange: %w", err)
	}
	v.publish(events.EventExchangeLinked, ue.ID)
	return ue.ID, nil
}

// Unlink permanently deactivates a linked exchange; credentials remain
// encrypted at rest but are no longer issued to callers.
func (v *Vault) Unlink(ctx context.Context, userID, userExchangeID string) error {
	if err := v.db.DeactivateUserExchange(ctx, userExchangeID, userID); err != nil {
		return err
	}
	v.publish(events.EventExchangeUnlinked, userExchangeID)
	return nil
}

// Disconnect is used when an exchange-reported auth failure forces a
// deactivation rather than a user-initiated unlink, so subscribers can
// tell the two apart.
func (v *Vault) Disconnect(ctx context.Context, userID, userExchangeID string) error {
	if err := v.db.DeactivateUserExchange(ctx, userExchangeID, userID); err != nil {
		return err
	}
	v.publish(events.EventExchangeDisconnected, userExchangeID)
	return nil
}

// Delete permanently removes a linked exchange record, irreversible unlike
// Unlink which keeps the encrypted credential at rest for a Reconnect.
func (v *Vault) Delete(ctx context.Context, userID, userExchangeID string) error {
	if err := v.db.DeleteUserExchange(ctx, userExchangeID, userID); err != nil {
		return err
	}
	v.publish(events.EventExchangeUnlinked, userExchangeID)
	return nil
}

func (v *Vault) publish(event events.Event, userExchangeID string) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(event, userExchangeID)
}

// Reconnect re-activates a previously unlinked exchange with fresh
// credentials.
func (v *Vault) Reconnect(ctx context.Context, userID, userExchangeID, apiKey, apiSecret string) error {
	encKey, err := v.keys.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("vault: encrypt api key: %w", err)
	}
	encSecret, err := v.keys.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("vault: encrypt api secret: %w", err)
	}
	return v.db.ReactivateUserExchange(ctx, userExchangeID, userID, encKey, encSecret)
}

// Get returns the decrypted Credential for a linked exchange, for use
// against pkg/exchange adapters.
func (v *Vault) Get(ctx context.Context, userID, userExchangeID string) (exchange.Credential, error) {
	ue, err := v.db.GetUserExchange(ctx, userID, userExchangeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return exchange.Credential{}, ErrNotLinked
		}
		return exchange.Credential{}, err
	}
	if !ue.IsActive {
		return exchange.Credential{}, ErrNotLinked
	}
	apiKey, err := v.keys.Decrypt(ue.APIKeyEncrypted)
	if err != nil {
		return exchange.Credential{}, fmt.Errorf("vault: decrypt api key: %w", err)
	}
	apiSecret, err := v.keys.Decrypt(ue.APISecretEncrypted)
	if err != nil {
		return exchange.Credential{}, fmt.Errorf("vault: decrypt api secret: %w", err)
	}
	return exchange.Credential{APIKey: apiKey, APISecret: apiSecret}, nil
}

// GetForExchange resolves a user's linked credential handle for a catalog
// exchange id and returns the decrypted Credential, the form the Strategy
// Worker and Order Orchestrator need since a Strategy only records the
// catalog exchange id, not the credential handle id.
func (v *Vault) GetForExchange(ctx context.Context, userID, exchangeID string) (exchange.Credential, error) {
	linked, err := v.db.ListUserExchangesByUser(ctx, userID)
	if err != nil {
		return exchange.Credential{}, err
	}
	for _, ue := range linked {
		if ue.ExchangeID == exchangeID && ue.IsActive {
			return v.Get(ctx, userID, ue.ID)
		}
	}
	return exchange.Credential{}, ErrNotLinked
}

// ListLinked returns the linked exchanges for a user (without decrypting).
func (v *Vault) ListLinked(ctx context.Context, userID string) ([]db.UserExchange, error) {
	return v.db.ListUserExchangesByUser(ctx, userID)
}
