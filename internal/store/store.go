// Package store is the room-store: rooms are created here and lobbies save
// their snapshots back. The stored snapshot format is opaque to callers.
package store

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

var ErrNotFound = errors.New("no matching room found")
var ErrInvalidRoom = errors.New("room needs a name and a creator")

const (
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength  = 6
	maxAttempts = 8
)

// GenerateCode returns a short, shareable room id.
func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

func normalize(name, createdBy string) (string, string, error) {
	name, createdBy = strings.TrimSpace(name), strings.TrimSpace(createdBy)
	if name == "" || createdBy == "" {
		return "", "", ErrInvalidRoom
	}
	return name, createdBy, nil
}
