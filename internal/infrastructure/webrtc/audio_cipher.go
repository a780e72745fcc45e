package webrtc

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// AudioCipher XORs RTP payloads with a ChaCha20 keystream derived from the
// call key. It obfuscates audio on top of DTLS-SRTP and does not authenticate.
// The zero value passes payloads through unchanged.
type AudioCipher struct {
	key []byte
}

// NewAudioCipher derives the keystream key for audio sent to receiver during
// callID. Each direction of a call uses its own receiver, so its own key.
func NewAudioCipher(callKey []byte, callID, receiver string) (*AudioCipher, error) {
	if len(callKey) == 0 {
		return &AudioCipher{}, nil
	}
	sub := make([]byte, chacha20.KeySize)
	kdf := hkdf.New(sha256.New, callKey, []byte(callID), []byte("chat8 audio "+receiver))
	if _, err := io.ReadFull(kdf, sub); err != nil {
		return nil, fmt.Errorf("derive audio key: %w", err)
	}
	return &AudioCipher{key: sub}, nil
}

func (c *AudioCipher) Enabled() bool {
	return c != nil && c.key != nil
}

// Apply returns payload XORed with the keystream for h. Applying it twice
// restores the input. The SSRC is left out of the nonce because local tracks
// rewrite it per binding.
func (c *AudioCipher) Apply(h *rtp.Header, payload []byte) ([]byte, error) {
	if !c.Enabled() {
		return payload, nil
	}

	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], h.Timestamp)
	binary.BigEndian.PutUint16(nonce[4:6], h.SequenceNumber)

	stream, err := chacha20.NewUnauthenticatedCipher(c.key, nonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(payload))
	stream.XORKeyStream(out, payload)
	return out, nil
}
