package smime

import (
	"crypto/x509"
	"errors"
	"log/slog"
	"strings"

	"go.mozilla.org/pkcs7"

	"github.com/pantosmime/pantosmime/internal/certstore"
	"github.com/pantosmime/pantosmime/internal/message"
)

// Harvester extracts sender certificates from inbound signed mail and
// stores them for later enveloping. Everything here is best-effort:
// failures are logged and swallowed, never surfaced to the transaction
// that triggered the harvest.
type Harvester struct {
	Store *certstore.Store
	Log   *slog.Logger
}

// NewHarvester returns a harvester feeding the given store.
func NewHarvester(store *certstore.Store, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{Store: store, Log: logger}
}

// LooksSigned reports whether a Content-Type header value declares an
// S/MIME signed message. Used as a cheap pre-filter before handing a
// message to the harvester.
func LooksSigned(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "multipart/signed"):
		return true
	case strings.HasPrefix(ct, "application/pkcs7-mime"),
		strings.HasPrefix(ct, "application/x-pkcs7-mime"):
		return strings.Contains(ct, "signed-data")
	}
	return false
}

// Harvest parses a raw inbound message, and if it carries an S/MIME
// signature whose signer matches the sender address, stores that
// certificate with source "harvested".
func (h *Harvester) Harvest(sender string, raw []byte) {
	sender = certstore.Normalize(sender)
	if sender == "" {
		return
	}

	entity, err := message.Parse(raw)
	if err != nil {
		h.Log.Debug("harvest: message not parsable", "sender", sender, "error", err)
		return
	}

	blob, err := signatureBlob(entity)
	if err != nil {
		h.Log.Debug("harvest: no usable signature", "sender", sender, "error", err)
		return
	}

	p7, err := pkcs7.Parse(blob)
	if err != nil {
		h.Log.Warn("harvest: signature does not parse", "sender", sender, "error", err)
		return
	}

	cert := signerCertificate(p7, sender)
	if cert == nil {
		h.Log.Debug("harvest: no signer certificate matches sender", "sender", sender)
		return
	}

	if err := h.Store.Store(sender, cert.Raw, certstore.SourceHarvested); err != nil {
		h.Log.Warn("harvest: store failed", "sender", sender, "error", err)
		return
	}
	h.Log.Info("harvested sender certificate", "sender", sender)
}

// signatureBlob locates and decodes the PKCS#7 blob of a signed
// message: the detached signature part of multipart/signed, or the
// whole body of an application/pkcs7-mime signed-data message.
func signatureBlob(entity *message.Entity) ([]byte, error) {
	switch {
	case entity.MediaType == "multipart/signed":
		part := entity.FindPart(func(p *message.Entity) bool {
			return p.MediaType == "application/pkcs7-signature" ||
				p.MediaType == "application/x-pkcs7-signature"
		})
		if part == nil {
			return nil, errors.New("multipart/signed without pkcs7-signature part")
		}
		return part.DecodedBody()

	case entity.MediaType == "application/pkcs7-mime" ||
		entity.MediaType == "application/x-pkcs7-mime":
		if entity.Params["smime-type"] != "signed-data" {
			return nil, errors.New("pkcs7-mime message is not signed-data")
		}
		return entity.DecodedBody()
	}
	return nil, errors.New("message is not S/MIME signed")
}

// signerCertificate selects the certificate that actually signed the
// message and matches the sender address. Chain-only certificates
// (CA certificates riding along for verification) are excluded.
func signerCertificate(p7 *pkcs7.PKCS7, sender string) *x509.Certificate {
	if cert := p7.GetOnlySigner(); cert != nil && matchesAddress(cert, sender) {
		return cert
	}
	for _, cert := range p7.Certificates {
		if cert.IsCA {
			continue
		}
		if matchesAddress(cert, sender) {
			return cert
		}
	}
	return nil
}

func matchesAddress(cert *x509.Certificate, addr string) bool {
	for _, email := range cert.EmailAddresses {
		if strings.EqualFold(email, addr) {
			return true
		}
	}
	return false
}
