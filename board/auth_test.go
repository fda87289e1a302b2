package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestJoinToken(t *testing.T) {
	secret := []byte("test-secret")
	documentId := NewId()
	replicaId := NewId()

	tokenStr, err := MintJoinToken(documentId, replicaId, secret)
	assert.Equal(t, nil, err)

	token, err := VerifyJoinToken(tokenStr, secret)
	assert.Equal(t, nil, err)
	assert.Equal(t, documentId, token.DocumentId)
	assert.Equal(t, replicaId, token.ReplicaId)

	_, err = VerifyJoinToken(tokenStr, []byte("wrong-secret"))
	assert.NotEqual(t, nil, err)

	// relays without a secret still read the claims
	token, err = ParseJoinTokenUnverified(tokenStr)
	assert.Equal(t, nil, err)
	assert.Equal(t, documentId, token.DocumentId)
	assert.Equal(t, replicaId, token.ReplicaId)

	_, err = VerifyJoinToken("not-a-token", secret)
	assert.NotEqual(t, nil, err)
}
