package board

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Join tokens identify a (document, replica) pair to the relay. Minting and
// authorization live upstream; the engine only plumbs the token through the
// join handshake and the relay checks the signature when it has the secret.

type JoinToken struct {
	DocumentId Id
	ReplicaId  Id
}

func MintJoinToken(documentId Id, replicaId Id, secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"document_id": documentId.String(),
		"replica_id":  replicaId.String(),
	})
	return token.SignedString(secret)
}

func ParseJoinTokenUnverified(joinToken string) (*JoinToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(joinToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return joinTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

func VerifyJoinToken(joinToken string, secret []byte) (*JoinToken, error) {
	token, err := gojwt.Parse(
		joinToken,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type: %T", token.Claims)
	}
	return joinTokenFromClaims(claims)
}

func joinTokenFromClaims(claims gojwt.MapClaims) (*JoinToken, error) {
	documentIdStr, ok := claims["document_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing document_id claim")
	}
	documentId, err := ParseId(documentIdStr)
	if err != nil {
		return nil, err
	}
	replicaIdStr, ok := claims["replica_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing replica_id claim")
	}
	replicaId, err := ParseId(replicaIdStr)
	if err != nil {
		return nil, err
	}
	return &JoinToken{
		DocumentId: documentId,
		ReplicaId:  replicaId,
	}, nil
}
