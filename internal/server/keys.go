package server

import (
	"strings"

	"github.com/google/uuid"
)

func newKeyID() string {
	return "key_" + uuid.NewString()
}

// newRawAPIKey returns the secret handed to the caller once. Only its hash
// is persisted.
func newRawAPIKey() string {
	return "klk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
