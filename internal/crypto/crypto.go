// Package crypto implements the shared-secret encryption scheme used by a
// room: a short emoji sequence plus a PIN are combined into an Argon2id
// key, and messages are sealed with XSalsa20-Poly1305 (NaCl SecretBox).
//
// Two PIN modes are supported:
//
//   - rotating: the PIN is derived from the current 15-second time bucket,
//     so it changes automatically and never needs to be typed.
//   - fixed: the PIN is chosen once at room creation and stays valid for
//     the room's whole lifetime; the key is anchored to the room's
//     creation time instead of the current bucket.
//
// Nothing in this package blocks or allocates unboundedly; DeriveKey is the
// expensive call (Argon2id, ~64 MiB working set) and callers are expected to
// cache its result per bucket.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// BucketSeconds is the width of a rotating-mode time bucket.
const BucketSeconds = 15

// RoomIDEmojiCount is the number of emojis that make up a room identifier.
const RoomIDEmojiCount = 6

// PINLength is the number of digits in a PIN, rotating or fixed.
const PINLength = 6

// Alphabet is the 32-glyph emoji set a room identifier and PIN-entry glyph
// picker are drawn from. Order is significant: it defines each glyph's index
// for the narrow out-of-band exchange path (EmojisToIndices/IndicesToEmojis).
var Alphabet = []string{
	"🔥", "🌙", "⭐", "🎯", "🌊", "💎", "🍀", "🎲",
	"🚀", "🌈", "⚡", "🎵", "🔑", "🌸", "🍄", "🦋",
	"🎪", "🌵", "🍎", "🐋", "🦊", "🌻", "🎭", "🔔",
	"🏔️", "🌴", "🍕", "🐙", "🦉", "🌺", "🎨", "🔮",
}

// Phonetics maps each alphabet glyph to a spoken word, for reading a room
// identifier aloud over a narrow or voice-only channel.
var Phonetics = map[string]string{
	"🔥": "fire", "🌙": "moon", "⭐": "star", "🎯": "target",
	"🌊": "wave", "💎": "gem", "🍀": "clover", "🎲": "dice",
	"🚀": "rocket", "🌈": "rainbow", "⚡": "bolt", "🎵": "music",
	"🔑": "key", "🌸": "bloom", "🍄": "shroom", "🦋": "butterfly",
	"🎪": "circus", "🌵": "cactus", "🍎": "apple", "🐋": "whale",
	"🦊": "fox", "🌻": "sunflower", "🎭": "mask", "🔔": "bell",
	"🏔️": "mountain", "🌴": "palm", "🍕": "pizza", "🐙": "octopus",
	"🦉": "owl", "🌺": "hibiscus", "🎨": "palette", "🔮": "crystal",
}

// Mode selects how the PIN used for key derivation is obtained.
type Mode string

const (
	// ModeRotating derives the PIN from the current time bucket.
	ModeRotating Mode = "rotating"
	// ModeFixed uses a PIN chosen once at room creation.
	ModeFixed Mode = "fixed"
)

// ValidMode reports whether m is a recognized mode string.
func ValidMode(m string) bool {
	return Mode(m) == ModeRotating || Mode(m) == ModeFixed
}

// ErrDecrypt is returned when a ciphertext fails to authenticate under the
// given key — either the wrong key was used or the data was tampered with.
var ErrDecrypt = errors.New("crypto: message authentication failed")

// GenerateRoomEmojis returns RoomIDEmojiCount emojis drawn uniformly at
// random from Alphabet.
func GenerateRoomEmojis() ([]string, error) {
	out := make([]string, RoomIDEmojiCount)
	for i := range out {
		idx, err := randIndex(len(Alphabet))
		if err != nil {
			return nil, fmt.Errorf("crypto: generate room id: %w", err)
		}
		out[i] = Alphabet[idx]
	}
	return out, nil
}

// GeneratePIN returns a random PINLength-digit numeric PIN.
func GeneratePIN() (string, error) {
	var b strings.Builder
	for i := 0; i < PINLength; i++ {
		n, err := randIndex(10)
		if err != nil {
			return "", fmt.Errorf("crypto: generate pin: %w", err)
		}
		b.WriteByte(byte('0' + n))
	}
	return b.String(), nil
}

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// RoomID joins emojis into the room identifier string used as the seed for
// bucket-PIN derivation and as the fingerprint's pre-image.
func RoomID(emojis []string) string {
	return strings.Join(emojis, "")
}

// CurrentBucket returns the 15-second bucket index containing t.
func CurrentBucket(t time.Time) int64 {
	return t.Unix() / BucketSeconds
}

// TimeRemaining returns the number of seconds until the next bucket boundary
// after t.
func TimeRemaining(t time.Time) int {
	return BucketSeconds - int(t.Unix()%BucketSeconds)
}

// BucketPIN derives the deterministic PIN for a given room and time bucket:
// sha256("<roomID>:<bucket>"), taking the first six hex characters and
// reducing each to a decimal digit mod 10. Two parties with the same room
// identifier and system clock converge on the same PIN without exchanging
// anything further.
func BucketPIN(roomID string, bucket int64) string {
	seed := fmt.Sprintf("%s:%d", roomID, bucket)
	sum := sha256.Sum256([]byte(seed))
	hexStr := hex.EncodeToString(sum[:])

	var b strings.Builder
	for i := 0; i < PINLength; i++ {
		v, _ := strconv.ParseUint(hexStr[i:i+1], 16, 8)
		b.WriteByte(byte('0' + v%10))
	}
	return b.String()
}

// DeriveKey runs Argon2id over the emoji+PIN secret, salted by the room
// identifier and an anchor timestamp (the room's creation time in fixed
// mode, or the start second of the bucket in rotating mode; see
// EncryptionKey). A zero anchor is left out of the salt.
func DeriveKey(emojis []string, pin string, anchor int64) [32]byte {
	emojiStr := RoomID(emojis)
	saltInput := "sos-chat-v1:" + emojiStr
	if anchor != 0 {
		saltInput += fmt.Sprintf(":%d", anchor)
	}
	saltSum := sha256.Sum256([]byte(saltInput))
	salt := saltSum[:16]

	password := []byte(emojiStr + ":" + pin)
	key := argon2.IDKey(password, salt, 2, 64*1024, 1, 32)

	var out [32]byte
	copy(out[:], key)
	return out
}

// EncryptionKey derives the key that should currently be used to encrypt (or
// is the first candidate to decrypt) a message in the given mode.
//
//   - fixed mode anchors the key to createdAt, the room's creation time.
//   - rotating mode anchors the key to the start-of-bucket second containing
//     now.
func EncryptionKey(mode Mode, emojis []string, pin string, createdAt int64, now time.Time) [32]byte {
	if mode == ModeFixed {
		return DeriveKey(emojis, pin, createdAt)
	}
	bucketStart := CurrentBucket(now) * BucketSeconds
	return DeriveKey(emojis, pin, bucketStart)
}

// Encrypt seals plaintext under key, producing nonce‖ciphertext‖tag.
func Encrypt(plaintext []byte, key [32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Decrypt opens a nonce‖ciphertext‖tag blob sealed with Encrypt. Returns
// ErrDecrypt if authentication fails under the given key.
func Decrypt(sealed []byte, key [32]byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	out, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// Fingerprint reduces a room's emoji identifier to the short hex string used
// as its server-side lookup key, so the plaintext emoji sequence never has
// to leave the client.
func Fingerprint(emojis []string) string {
	sum := sha256.Sum256([]byte(RoomID(emojis)))
	return hex.EncodeToString(sum[:])[:16]
}

// EmojisToIndices converts emojis to their positions in Alphabet, silently
// dropping any glyph not in the alphabet.
func EmojisToIndices(emojis []string) []int {
	pos := make(map[string]int, len(Alphabet))
	for i, e := range Alphabet {
		pos[e] = i
	}
	out := make([]int, 0, len(emojis))
	for _, e := range emojis {
		if i, ok := pos[e]; ok {
			out = append(out, i)
		}
	}
	return out
}

// IndicesToEmojis converts alphabet indices back to glyphs, silently
// dropping any index out of range.
func IndicesToEmojis(indices []int) []string {
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(Alphabet) {
			out = append(out, Alphabet[i])
		}
	}
	return out
}

// Phonetic returns the spoken word for a single emoji glyph, or the glyph
// itself if it isn't in the alphabet.
func Phonetic(emoji string) string {
	if p, ok := Phonetics[emoji]; ok {
		return p
	}
	return emoji
}

// PhoneticRoomID renders a room identifier as space-separated spoken words,
// for reading aloud over a voice-only channel.
func PhoneticRoomID(emojis []string) string {
	words := make([]string, len(emojis))
	for i, e := range emojis {
		words[i] = Phonetic(e)
	}
	return strings.Join(words, " ")
}
