package recovery

import (
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidSignature is returned by Restore when a signing key is configured
// and the stored snapshot does not verify against it.
var ErrInvalidSignature = errors.New("recovery: snapshot signature invalid")

// hmacSigner signs snapshot payloads as compact HS256 JWS.
type hmacSigner struct {
	key []byte
}

func (h hmacSigner) sign(payload []byte) ([]byte, error) {
	opts := (&jose.SignerOptions{}).WithType("portlink-snapshot")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: h.key}, opts)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign snapshot: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("serialize jws: %w", err)
	}
	return []byte(compact), nil
}

func (h hmacSigner) verify(token []byte) ([]byte, error) {
	jws, err := jose.ParseSigned(string(token), []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: %d signatures", ErrInvalidSignature, len(jws.Signatures))
	}
	payload, err := jws.Verify(h.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return payload, nil
}
