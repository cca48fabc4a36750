package letsencrypt

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"time"
)

// splitBundle takes the PEM bundle returned by the CA and separates the leaf
// from its issuer chain. The CA always returns at least the leaf and one
// intermediate; anything less means we fetched a partial response and should
// try again.
func splitBundle(bundle []byte) (leaf string, fullchain string, expires time.Time, err error) {
	var blocks []*pem.Block
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			blocks = append(blocks, block)
		}
	}

	if len(blocks) < 2 {
		return "", "", time.Time{}, errors.New("certificate bundle is missing the issuer chain")
	}

	parsed, err := x509.ParseCertificate(blocks[0].Bytes)
	if err != nil {
		return "", "", time.Time{}, err
	}

	var encoded []string
	for _, block := range blocks {
		encoded = append(encoded, string(pem.EncodeToMemory(block)))
	}

	return encoded[0], strings.Join(encoded, ""), parsed.NotAfter, nil
}
