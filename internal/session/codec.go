package session

import (
	"fmt"

	"github.com/mossy-p/guest-match/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const keyPrefix = "guest:"

func cacheKey(id string) string {
	return keyPrefix + id
}

func encode(s *models.GuestSession) ([]byte, error) {
	b, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return b, nil
}

func decode(b []byte) (*models.GuestSession, error) {
	var s models.GuestSession
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode session: missing id")
	}
	return &s, nil
}
