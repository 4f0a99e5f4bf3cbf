package invitation

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CodePrefix is the prefix of every encoded invitation.
	CodePrefix = "INV:"

	// URLParam is the query parameter carrying the code in invitation URLs.
	URLParam = "invitation"

	// Version is the only supported encoding version.
	Version = 0
)

// Header bit field lengths.
const (
	versionFieldBits  = 3
	kindFieldBits     = 2
	authFieldBits     = 2
	multiUseFieldBits = 1
	timeoutFieldBits  = 32
	paddingFieldBits  = 8

	// 3+2+2+1+32+8 = 48 bits
	headerBytes = 6

	encodedBytes = headerBytes + len(uuid.UUID{}) + 2*KeySize
)

// Encode returns the side-channel text form of d.
func Encode(d *Descriptor) string {
	w := &bitWriter{}
	w.writeBits(Version, versionFieldBits)
	w.writeBits(uint64(d.kind), kindFieldBits)
	w.writeBits(uint64(d.authMethod), authFieldBits)
	var multi uint64
	if d.multiUse {
		multi = 1
	}
	w.writeBits(multi, multiUseFieldBits)
	w.writeBits(uint64(d.timeout/time.Millisecond), timeoutFieldBits)
	w.writeBits(0, paddingFieldBits)

	data := make([]byte, 0, encodedBytes)
	data = append(data, w.bytes()...)
	data = append(data, d.id[:]...)
	data = append(data, d.rendezvousKey[:]...)
	data = append(data, d.swarmKey[:]...)

	return CodePrefix + base38Encode(data)
}

// Decode parses the side-channel text form. The prefix and the Base38 body
// are case-insensitive. The result is validated before it is returned.
func Decode(code string) (*Descriptor, error) {
	code = strings.TrimSpace(code)
	if len(code) < len(CodePrefix) || !strings.EqualFold(code[:len(CodePrefix)], CodePrefix) {
		return nil, ErrCodeInvalidPrefix
	}

	data, err := base38Decode(code[len(CodePrefix):])
	if err != nil {
		return nil, err
	}
	if len(data) < encodedBytes {
		return nil, ErrCodeTooShort
	}
	if len(data) > encodedBytes {
		return nil, fmt.Errorf("invitation: %d trailing bytes", len(data)-encodedBytes)
	}

	r := &bitReader{data: data[:headerBytes]}
	version, _ := r.readBits(versionFieldBits)
	if version != Version {
		return nil, ErrInvalidVersion
	}
	kind, _ := r.readBits(kindFieldBits)
	auth, _ := r.readBits(authFieldBits)
	multi, _ := r.readBits(multiUseFieldBits)
	timeoutMs, _ := r.readBits(timeoutFieldBits)
	padding, err := r.readBits(paddingFieldBits)
	if err != nil {
		return nil, err
	}
	if padding != 0 {
		return nil, ErrCodeInvalidPadding
	}

	d := &Descriptor{
		kind:       Kind(kind),
		authMethod: AuthMethod(auth),
		timeout:    time.Duration(timeoutMs) * time.Millisecond,
		multiUse:   multi == 1,
	}
	rest := data[headerBytes:]
	copy(d.id[:], rest[:len(d.id)])
	rest = rest[len(d.id):]
	copy(d.rendezvousKey[:], rest[:KeySize])
	copy(d.swarmKey[:], rest[KeySize:])

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeURL returns base with the encoded invitation added as the
// "invitation" query parameter.
func EncodeURL(d *Descriptor, base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invitation: parse base url: %w", err)
	}
	q := u.Query()
	q.Set(URLParam, Encode(d))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeURL extracts and decodes the invitation carried by an invitation URL.
// A bare code is accepted as well.
func DecodeURL(raw string) (*Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToUpper(raw), CodePrefix) {
		return Decode(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invitation: parse url: %w", err)
	}
	code := u.Query().Get(URLParam)
	if code == "" {
		return nil, ErrURLMissingCode
	}
	return Decode(code)
}
