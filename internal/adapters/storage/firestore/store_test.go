package firestore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDocIDIsStableAndSeparatesParts(t *testing.T) {
	a := docID("+15551234567", "ac_repair")
	assert.Equal(t, a, docID("+15551234567", "ac_repair"))
	assert.Len(t, a, 40)
	assert.NotEqual(t, docID("ab", "c"), docID("a", "bc"))
}

func TestNotFound(t *testing.T) {
	assert.True(t, notFound(status.Error(codes.NotFound, "no document")))
	assert.False(t, notFound(status.Error(codes.Unavailable, "try again")))
	assert.False(t, notFound(errors.New("boom")))
}
