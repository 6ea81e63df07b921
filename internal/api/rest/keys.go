package rest

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ParseRSAPublicKey decodes a PEM-encoded block and returns the RSA public
// key it contains. Accepts both PKIX ("PUBLIC KEY") and PKCS#1
// ("RSA PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("rest: no PEM block found")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rest: PEM block does not contain an RSA public key")
		}
		return pub, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}
