package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"runselect/internal/domain"
	"runselect/internal/events"
	"runselect/internal/repo"
)

// CreateAPIKey mints a key for actorID with the given role. The plaintext key
// is returned once; only its hash is stored.
func (s Service) CreateAPIKey(ctx context.Context, actorID, name, role, createdBy string) (domain.APIKey, string, error) {
	actorID, role = strings.TrimSpace(actorID), strings.TrimSpace(role)
	if actorID == "" || role == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor and role are required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "rs_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Role:      role,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.APIKeyCreated, events.KindAPIKey, key.ID, createdBy,
			events.EventPayload{"actor_id": actorID, "role": role})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (s Service) DeleteAPIKey(ctx context.Context, id, deletedBy string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.APIKeyDeleted, events.KindAPIKey, id, deletedBy, nil)
	})
}
