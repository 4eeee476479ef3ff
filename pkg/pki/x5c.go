package pki

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// ParseX5C decodes a JOSE x5c header value, leaf first.
func ParseX5C(header interface{}) ([]*x509.Certificate, error) {
	items, ok := header.([]interface{})
	if !ok || len(items) == 0 {
		return nil, errors.New("x5c header missing")
	}
	chain := make([]*x509.Certificate, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is %T", i, item)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
