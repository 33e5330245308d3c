package transport

import "bytes"

var (
	jpegSignature = []byte{0xFF, 0xD8, 0xFF}
	pngSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
)

// validImage sniffs the payload's magic bytes. Only JPEG and PNG uploads
// are accepted.
func validImage(data []byte) bool {
	return bytes.HasPrefix(data, jpegSignature) || bytes.HasPrefix(data, pngSignature)
}
