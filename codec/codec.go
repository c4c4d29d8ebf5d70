// Package codec turns the backup ledger into the encrypted byte stream that
// is written to the metadata sink and the local cache file.
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wolfeidau/appvault/metadata"
)

const (
	// FormatVersion is the first byte of every encoded ledger.
	FormatVersion = 1

	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	keyContext = "appvault 2026-01-01 backup ledger encryption key"

	headerSize = 1 + chacha20poly1305.NonceSizeX
)

// Content encodings of the sealed payload.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrCorrupted is returned when the ciphertext fails authentication or
	// the decrypted payload cannot be parsed.
	ErrCorrupted = errors.New("encoded metadata corrupted")

	// ErrUnsupportedVersion is returned for an unknown format version byte.
	ErrUnsupportedVersion = errors.New("unsupported metadata format version")

	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec encrypts, compresses and serializes backup ledgers.
// It is safe for concurrent use.
type Codec struct {
	aead    cipherAEAD
	rand    io.Reader
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// cipherAEAD is the subset of cipher.AEAD used by the codec.
type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Option configures a Codec.
type Option func(*Codec)

// WithRand sets the source of nonces. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *Codec) {
		c.rand = r
	}
}

// New creates a codec whose key is derived from secret.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("codec secret must not be empty")
	}

	aead, err := chacha20poly1305.NewX(DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &Codec{
		aead:    aead,
		rand:    rand.Reader,
		encoder: enc,
		decoder: dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeriveKey derives the 256-bit ledger key from secret.
func DeriveKey(secret []byte) []byte {
	h := blake3.NewDeriveKey(keyContext)
	_, _ = h.Write(secret)
	return h.Sum(nil)
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes and seals m.
func (c *Codec) Encode(m *metadata.BackupMetadata) ([]byte, error) {
	plaintext, err := c.compress(marshalLedger(m))
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = FormatVersion
	nonce := out[1:headerSize]
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.aead.Seal(out, nonce, plaintext, out[:headerSize]), nil
}

// Decode opens and parses data produced by Encode.
func (c *Codec) Decode(data []byte) (*metadata.BackupMetadata, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrCorrupted)
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	if len(data) < headerSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupted)
	}

	plaintext, err := c.aead.Open(nil, data[1:headerSize], data[headerSize:], data[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	payload, err := c.decompress(plaintext)
	if err != nil {
		return nil, err
	}

	m, err := unmarshalLedger(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return m, nil
}

// compress prefixes the payload with its content encoding, compressing it
// when that is beneficial.
func (c *Codec) compress(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	identity := func() []byte {
		return append([]byte{encodingIdentity}, data...)
	}

	if len(data) < CompressionThreshold {
		return identity(), nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return identity(), nil
	}

	compressed := enc.EncodeAll(data, []byte{encodingZstd})
	if len(compressed)-1 >= len(data) {
		return identity(), nil
	}
	return compressed, nil
}

func (c *Codec) decompress(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: missing content encoding", ErrCorrupted)
	}

	switch plaintext[0] {
	case encodingIdentity:
		return plaintext[1:], nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, plaintext[0])
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(plaintext[1:], nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrDecompressionBomb
		}
		return nil, fmt.Errorf("%w: decompressing payload: %w", ErrCorrupted, err)
	}

	if len(decompressed) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return decompressed, nil
}

var _ metadata.Codec = (*Codec)(nil)
