package whiteboard

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRoomTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	tokenStr, err := MintRoomToken("room-7", "alice", secret)
	assert.Equal(t, err, nil)

	token, err := ParseRoomToken(tokenStr, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.RoomId, "room-7")
	assert.Equal(t, token.AuthorId, "alice")

	token, err = ParseRoomTokenUnverified(tokenStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, token.RoomId, "room-7")
	assert.Equal(t, token.AuthorId, "alice")
}

func TestRoomTokenBadSecret(t *testing.T) {
	tokenStr, err := MintRoomToken("room-7", "alice", []byte("right"))
	assert.Equal(t, err, nil)

	_, err = ParseRoomToken(tokenStr, []byte("wrong"))
	assert.NotEqual(t, err, nil)
}

func TestRoomTokenMissingIdentifiers(t *testing.T) {
	_, err := MintRoomToken("", "alice", []byte("s"))
	assert.NotEqual(t, err, nil)

	_, err = MintRoomToken("room-7", "", []byte("s"))
	assert.NotEqual(t, err, nil)
}
