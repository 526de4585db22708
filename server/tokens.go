// server/tokens.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"time"

	"github.com/MorpheusXAUT/vacs-server/protocol"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const tokenStoreCapacity = 4096

// TokenStore issues short-lived single-use tokens for the websocket
// handshake, so the API key never appears in a websocket URL.
type TokenStore struct {
	tokens *expirable.LRU[string, protocol.ClientId]
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{tokens: expirable.NewLRU[string, protocol.ClientId](tokenStoreCapacity, nil, ttl)}
}

// Generate returns a fresh token bound to the given client id.
func (ts *TokenStore) Generate(clientId protocol.ClientId) string {
	token := uuid.Must(uuid.NewV7()).String()
	ts.tokens.Add(token, clientId)
	return token
}

// Verify redeems a token, returning the client id it was issued for.
// Each token works exactly once; concurrent redemptions of the same
// token are arbitrated by the removal.
func (ts *TokenStore) Verify(token string) (protocol.ClientId, error) {
	clientId, ok := ts.tokens.Get(token)
	if !ok {
		return "", ErrInvalidToken
	}
	if !ts.tokens.Remove(token) {
		return "", ErrInvalidToken
	}
	return clientId, nil
}
