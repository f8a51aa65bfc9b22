// Package blobstore is the reference BlobStore implementation (A3): local
// filesystem object storage for call recordings and generated reports,
// with HMAC-signed presigned GET URLs. Grounded on the teacher's
// media.Recorder file-layout convention (internal/media/recorder.go,
// RecordingPath) generalized to a Put/PresignedGet object-store shape.
package blobstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrForbiddenPrefix is returned when a key does not fall under one of
	// the two prefixes clients may request signed URLs for.
	ErrForbiddenPrefix = errors.New("blobstore: key prefix not allowed")
	ErrExpired         = errors.New("blobstore: signed url expired")
	ErrBadSignature    = errors.New("blobstore: bad signature")
)

// allowedPrefixes are the only key prefixes PresignedGet will sign.
var allowedPrefixes = []string{"recordings/", "reports/"}

// Object is the metadata returned alongside a stored blob's bytes.
type Object struct {
	ContentType string
	Metadata    map[string]string
	Size        int64
}

// Store is a local-filesystem-backed BlobStore. Keys are relative paths;
// Put creates parent directories as needed.
type Store struct {
	root      string
	secretKey []byte
}

// Open roots a Store under dataDir/blobs and keys presigned URLs with
// secretKey (expected to be the engine's configured encryption key).
func Open(dataDir string, secretKey []byte) (*Store, error) {
	root := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root: %w", err)
	}
	return &Store{root: root, secretKey: secretKey}, nil
}

// Put writes bytes under key along with a small sidecar metadata file.
// contentType and metadata are stored but not interpreted.
func (s *Store) Put(key string, data []byte, contentType string, metadata map[string]string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blobstore: creating parent dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: writing object: %w", err)
	}
	if err := os.WriteFile(path+".meta", encodeMeta(contentType, metadata), 0o644); err != nil {
		return fmt.Errorf("blobstore: writing metadata: %w", err)
	}
	return nil
}

// Get reads back bytes and metadata for key, used by the presigned-GET
// HTTP handler once a signature has verified.
func (s *Store) Get(key string) ([]byte, Object, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, Object{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Object{}, fmt.Errorf("blobstore: reading object: %w", err)
	}
	obj := Object{Size: int64(len(data))}
	if metaBytes, err := os.ReadFile(path + ".meta"); err == nil {
		obj.ContentType, obj.Metadata = decodeMeta(metaBytes)
	}
	return data, obj, nil
}

// RecordingKey builds the key for a call recording at the layout the
// spec pins: recordings/{yyyy}/{mm}/{dd}/{callSid}.wav
func RecordingKey(callSid string, t time.Time) string {
	return fmt.Sprintf("recordings/%s/%s/%s/%s.wav", t.Format("2006"), t.Format("01"), t.Format("02"), callSid)
}

// ReportKey builds the key for a generated provider report at the
// layout the spec pins: reports/{yyyy}/{mm}/{providerId}-{yyyy}-{mm}-{dd}.pdf
func ReportKey(providerID string, t time.Time) string {
	return fmt.Sprintf("reports/%s/%s/%s-%s-%s-%s.pdf", t.Format("2006"), t.Format("01"), providerID, t.Format("2006"), t.Format("01"), t.Format("02"))
}

// PresignedGet returns a URL path carrying an HMAC-signed, time-limited
// grant to fetch key. Only keys under recordings/ or reports/ may be
// signed; any other key returns ErrForbiddenPrefix.
func (s *Store) PresignedGet(key string, ttl time.Duration) (string, error) {
	if !hasAllowedPrefix(key) {
		return "", ErrForbiddenPrefix
	}
	expires := time.Now().Add(ttl).Unix()
	sig := s.sign(key, expires)
	return fmt.Sprintf("/blobs/%s?expires=%d&sig=%s", key, expires, sig), nil
}

// VerifyGet checks a (key, expires, sig) triple extracted from an
// incoming presigned GET request.
func (s *Store) VerifyGet(key string, expires int64, sig string) error {
	if !hasAllowedPrefix(key) {
		return ErrForbiddenPrefix
	}
	if time.Now().Unix() > expires {
		return ErrExpired
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Store) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(key))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expires))
	mac.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func hasAllowedPrefix(key string) bool {
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// resolve maps a logical key to an on-disk path, rejecting traversal
// outside the store root.
func (s *Store) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func encodeMeta(contentType string, metadata map[string]string) []byte {
	var sb strings.Builder
	sb.WriteString(contentType)
	sb.WriteByte('\n')
	for k, v := range metadata {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func decodeMeta(b []byte) (string, map[string]string) {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 0 {
		return "", nil
	}
	contentType := lines[0]
	meta := map[string]string{}
	for _, line := range lines[1:] {
		if i := strings.IndexByte(line, '='); i >= 0 {
			meta[line[:i]] = line[i+1:]
		}
	}
	return contentType, meta
}

// ParseSignedQuery extracts expires/sig query values as used by
// PresignedGet's returned URL, for passing to VerifyGet. No handler in
// this module serves the /blobs/ paths that PresignedGet returns.
func ParseSignedQuery(expiresStr, sig string) (int64, string, error) {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("blobstore: invalid expires: %w", err)
	}
	return expires, sig, nil
}
