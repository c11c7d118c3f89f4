package whiteboard

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Room tokens carry the session identifiers a transport needs: which room to
// join and which author identity to act as. The relay does not enforce them;
// they exist so tooling can hand around one opaque string instead of two
// flags.

type RoomToken struct {
	RoomId   string
	AuthorId string
}

func MintRoomToken(roomId string, authorId string, secret []byte) (string, error) {
	if roomId == "" || authorId == "" {
		return "", errors.New("room token needs both a room id and an author id")
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"room_id":   roomId,
		"author_id": authorId,
	})
	return token.SignedString(secret)
}

func ParseRoomToken(tokenStr string, secret []byte) (*RoomToken, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad room token claims")
	}
	return roomTokenFromClaims(claims)
}

// the identifiers are not secrets, so tooling that only needs to know where
// to connect can skip verification
func ParseRoomTokenUnverified(tokenStr string) (*RoomToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(gojwt.MapClaims)
	return roomTokenFromClaims(claims)
}

func roomTokenFromClaims(claims gojwt.MapClaims) (*RoomToken, error) {
	roomToken := &RoomToken{}
	if roomId, ok := claims["room_id"].(string); ok {
		roomToken.RoomId = roomId
	}
	if authorId, ok := claims["author_id"].(string); ok {
		roomToken.AuthorId = authorId
	}
	if roomToken.RoomId == "" || roomToken.AuthorId == "" {
		return nil, fmt.Errorf("room token missing identifiers")
	}
	return roomToken, nil
}
