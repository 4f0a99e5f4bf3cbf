package invitation

import "strings"

const (
	// base38Alphabet is the character set for Base38 encoding.
	// The index of a character is its numeric value.
	base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."
	base38Radix    = 38
)

// base38CharsPerChunk is the number of characters used for a chunk of
// 1, 2 or 3 bytes.
var base38CharsPerChunk = [3]int{2, 4, 5}

// base38DecodeTable maps (ASCII - '-') to the Base38 value, -1 if invalid.
var base38DecodeTable = [46]int8{
	36,                           // '-'
	37,                           // '.'
	-1,                           // '/'
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, // '0'-'9'
	-1, -1, -1, -1, -1, -1, -1, // ':'-'@'
	10, 11, 12, 13, 14, 15, 16, 17, 18, 19, // 'A'-'J'
	20, 21, 22, 23, 24, 25, 26, 27, 28, 29, // 'K'-'T'
	30, 31, 32, 33, 34, 35, // 'U'-'Z'
}

// base38Decode decodes a Base38 string. Input is case-insensitive.
//
// 5 characters decode to 3 bytes; a trailing 4 or 2 characters decode to
// 2 or 1 bytes. Within a chunk the least significant digit comes first.
func base38Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return []byte{}, nil
	}
	s = strings.ToUpper(s)

	result := make([]byte, 0, len(s)/5*3+2)
	remaining := len(s)
	pos := 0

	for remaining > 0 {
		var charsInChunk, bytesInChunk int
		switch {
		case remaining >= base38CharsPerChunk[2]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[2], 3
		case remaining == base38CharsPerChunk[1]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[1], 2
		case remaining == base38CharsPerChunk[0]:
			charsInChunk, bytesInChunk = base38CharsPerChunk[0], 1
		default:
			return nil, ErrBase38InvalidLength
		}

		var value uint32
		for i := charsInChunk - 1; i >= 0; i-- {
			c := s[pos+i]
			if c < '-' || c > 'Z' {
				return nil, ErrBase38InvalidChar
			}
			v := base38DecodeTable[c-'-']
			if v < 0 {
				return nil, ErrBase38InvalidChar
			}
			value = value*base38Radix + uint32(v)
		}

		pos += charsInChunk
		remaining -= charsInChunk

		for i := 0; i < bytesInChunk; i++ {
			result = append(result, byte(value))
			value >>= 8
		}
		if value > 0 {
			return nil, ErrBase38Overflow
		}
	}

	return result, nil
}

// base38Encode encodes data to Base38.
func base38Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	result := make([]byte, 0, base38EncodedLength(len(data)))
	for pos := 0; pos < len(data); {
		bytesInChunk := len(data) - pos
		if bytesInChunk > 3 {
			bytesInChunk = 3
		}

		var value uint32
		for i := bytesInChunk - 1; i >= 0; i-- {
			value = value<<8 | uint32(data[pos+i])
		}
		pos += bytesInChunk

		for i := 0; i < base38CharsPerChunk[bytesInChunk-1]; i++ {
			result = append(result, base38Alphabet[value%base38Radix])
			value /= base38Radix
		}
	}

	return string(result)
}

// base38EncodedLength returns the encoded length of n bytes.
func base38EncodedLength(n int) int {
	length := n / 3 * 5
	if extra := n % 3; extra > 0 {
		length += base38CharsPerChunk[extra-1]
	}
	return length
}
