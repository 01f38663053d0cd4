package mapmeet

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ids of documents created on the client.
// Lower case so they compare the same as the backend's generated ids,
// and time ordered so that new comments and posts sort last.
func NewDocumentId() string {
	return strings.ToLower(ulid.Make().String())
}

