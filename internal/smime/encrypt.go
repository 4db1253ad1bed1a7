// Package smime builds S/MIME enveloped-data replacements for outgoing
// mail and harvests sender certificates from inbound signed mail.
package smime

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/pantosmime/pantosmime/internal/message"
)

// wrapWidth is the base64 line width used for the replacement body.
const wrapWidth = 76

func init() {
	// AES-256-CBC keeps the output decryptable by ordinary mail
	// clients; several still cannot open GCM-protected envelopes.
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
}

// ReplacementHeaders returns the header fields that mark a rewritten
// message body as an S/MIME enveloped attachment.
func ReplacementHeaders() []message.HeaderField {
	return []message.HeaderField{
		{Name: "MIME-Version", Value: "1.0"},
		{Name: "Content-Type", Value: "application/pkcs7-mime; name=smime.p7m; smime-type=enveloped-data"},
		{Name: "Content-Transfer-Encoding", Value: "base64"},
		{Name: "Content-Disposition", Value: "attachment; filename=smime.p7m"},
	}
}

// Encrypt serializes the entity and wraps it in an enveloped-data
// structure with one recipient-key entry per certificate, in the given
// order. Any unusable certificate aborts the whole build; the envelope
// is never silently built for a subset of the intended recipients.
func Encrypt(entity *message.Entity, certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("smime: no recipient certificates")
	}
	for i, cert := range certs {
		if cert == nil {
			return nil, fmt.Errorf("smime: recipient certificate %d is nil", i)
		}
	}

	der, err := pkcs7.Encrypt(entity.Bytes(), certs)
	if err != nil {
		return nil, fmt.Errorf("smime: build enveloped-data: %w", err)
	}
	return der, nil
}

// WrapBody encodes DER bytes as a base64 body with CRLF line breaks at
// the conventional 76 columns.
func WrapBody(der []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(der)

	var buf bytes.Buffer
	buf.Grow(len(encoded) + 2*(len(encoded)/wrapWidth+1))
	for len(encoded) > wrapWidth {
		buf.WriteString(encoded[:wrapWidth])
		buf.WriteString("\r\n")
		encoded = encoded[wrapWidth:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
