// Package certstore maintains the mapping from normalized email
// addresses to recipient certificates, backed one-to-one by files in a
// certificate directory.
package certstore

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source records how a certificate entered the store.
type Source string

const (
	SourceManual    Source = "manual"
	SourceHarvested Source = "harvested"
)

// certFileExt is the extension for persisted certificate files.
const certFileExt = ".pem"

// sourceHeader is the PEM header key carrying the record source.
const sourceHeader = "Source"

// ErrNotFound is returned by Lookup when no certificate is stored for
// an address.
var ErrNotFound = errors.New("certstore: certificate not found")

// Record is an immutable stored certificate. A later Store for the
// same address fully replaces it.
type Record struct {
	Address string
	Cert    *x509.Certificate
	Raw     []byte // DER
	Source  Source
}

// Store is the address-to-certificate index. It is safe for many
// concurrent readers and rare writers; on-disk writes are serialized so
// concurrent harvests never interleave into a corrupt file.
type Store struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	index map[string]*Record

	// writeMu serializes validate-write-rename cycles. It is never
	// held while the index lock is held.
	writeMu sync.Mutex
}

// Open creates the certificate directory if missing, loads the index
// from it, and returns the store.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:   dir,
		log:   logger,
		index: make(map[string]*Record),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Normalize lowercases an address for use as a store key, stripping
// surrounding whitespace and angle brackets.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(addr)
}

// Lookup returns the stored record for the address. On an index miss
// it probes the directory once for a file dropped in by an operator
// before reporting ErrNotFound.
func (s *Store) Lookup(addr string) (*Record, error) {
	key := Normalize(addr)

	s.mu.RLock()
	rec, ok := s.index[key]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := s.loadFile(filepath.Join(s.dir, encodeFilename(key)), key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("certstore: load certificate for %s: %w", key, err)
	}

	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return rec, nil
}

// Store validates the certificate bytes (PEM or DER), persists them
// atomically, and replaces any prior record for the address. The last
// write to complete wins.
func (s *Store) Store(addr string, certBytes []byte, source Source) error {
	key := Normalize(addr)
	if key == "" {
		return errors.New("certstore: empty address")
	}

	cert, der, err := parseCertificate(certBytes)
	if err != nil {
		return fmt.Errorf("certstore: invalid certificate for %s: %w", key, err)
	}

	encoded := pem.EncodeToMemory(&pem.Block{
		Type:    "CERTIFICATE",
		Headers: map[string]string{sourceHeader: string(source)},
		Bytes:   der,
	})

	s.writeMu.Lock()
	err = s.writeFile(encodeFilename(key), encoded)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("certstore: persist certificate for %s: %w", key, err)
	}

	rec := &Record{Address: key, Cert: cert, Raw: der, Source: source}
	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()

	s.log.Info("certificate stored",
		"address", key,
		"source", string(source),
		"not_after", cert.NotAfter,
	)
	return nil
}

// Reload re-enumerates the certificate directory and rebuilds the
// in-memory index. Unreadable or malformed files are skipped with a
// warning; a missing directory is created.
func (s *Store) Reload() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("certstore: create directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("certstore: read directory: %w", err)
	}

	index := make(map[string]*Record, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), certFileExt) {
			continue
		}
		addr, err := decodeFilename(entry.Name())
		if err != nil {
			s.log.Warn("skipping certificate file with unrecognized name",
				"file", entry.Name(),
				"error", err,
			)
			continue
		}
		rec, err := s.loadFile(filepath.Join(s.dir, entry.Name()), addr)
		if err != nil {
			s.log.Warn("skipping unreadable certificate file",
				"file", entry.Name(),
				"address", addr,
				"error", err,
			)
			continue
		}
		index[addr] = rec
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.log.Info("certificate store loaded", "dir", s.dir, "certificates", len(index))
	return nil
}

// Len returns the number of indexed certificates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Dir returns the backing certificate directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) loadFile(path, addr string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	source := SourceManual
	if block, _ := pem.Decode(data); block != nil {
		if v, ok := block.Headers[sourceHeader]; ok && Source(v) == SourceHarvested {
			source = SourceHarvested
		}
	}

	cert, der, err := parseCertificate(data)
	if err != nil {
		return nil, err
	}
	return &Record{Address: addr, Cert: cert, Raw: der, Source: source}, nil
}

// writeFile persists bytes via write-then-rename so readers never
// observe a partial file.
func (s *Store) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".cert-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

// parseCertificate accepts a PEM CERTIFICATE block or raw DER and
// returns the parsed certificate plus its DER bytes.
func parseCertificate(data []byte) (*x509.Certificate, []byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, der, nil
}

// encodeFilename maps a normalized address to a collision-free,
// filesystem-safe filename. The raw address text never appears on disk.
func encodeFilename(addr string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(addr)) + certFileExt
}

func decodeFilename(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, certFileExt))
	if err != nil {
		return "", fmt.Errorf("decode filename: %w", err)
	}
	return string(raw), nil
}
