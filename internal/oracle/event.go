package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	errEventID  = errors.New("oracle: event id does not match content")
	errEventSig = errors.New("oracle: bad event signature")
)

// ComputeID returns the NIP-01 id of e: the hex sha256 of
// [0,pubkey,created_at,kind,tags,content].
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.serialize())
	return hex.EncodeToString(sum[:])
}

// Verify checks that e.ID commits to the event fields and that e.Sig is a
// valid BIP-340 signature of that id by e.PubKey.
func (e *Event) Verify() error {
	id := e.ComputeID()
	if id != e.ID {
		return fmt.Errorf("%w: got %s, computed %s", errEventID, e.ID, id)
	}

	hash, _ := hex.DecodeString(id)
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %w", errEventSig, err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %w", errEventSig, err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %w", errEventSig, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", errEventSig, err)
	}
	if !sig.Verify(hash, pk) {
		return errEventSig
	}
	return nil
}

// serialize writes the canonical NIP-01 array. encoding/json is not used
// because it escapes HTML characters and U+2028/U+2029, which would change
// the id.
func (e *Event) serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,`...)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, `,[`...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, `],`...)
	buf = appendString(buf, e.Content)
	return append(buf, ']')
}

func appendString(buf []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				buf = append(buf, c)
			}
		}
	}
	return append(buf, '"')
}
