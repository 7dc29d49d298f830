// Package imghdr classifies image data by its magic-byte signature.
//
// Only the formats accepted by the Death By Captcha service are
// recognized. Classification inspects a small fixed-size prefix and
// never touches the rest of the buffer.
package imghdr

import (
	"bytes"
	"io"
)

// Format is a detected image format.
type Format string

const (
	PNG     Format = "png"
	JPEG    Format = "jpeg"
	GIF     Format = "gif"
	BMP     Format = "bmp"
	WebP    Format = "webp"
	Unknown Format = ""
)

// sniffLen is the longest prefix any signature needs. WebP is the
// deepest: RIFF header (8 bytes) plus the "WEBP" form tag.
const sniffLen = 12

// What returns the detected format of the given image bytes, or Unknown
// if no signature matches. The empty slice is Unknown.
func What(b []byte) Format {
	if len(b) > sniffLen {
		b = b[:sniffLen]
	}

	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return PNG
	case bytes.HasPrefix(b, []byte("\xff\xd8\xff")):
		// Covers JFIF, Exif and raw JPEG streams alike.
		return JPEG
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return GIF
	case bytes.HasPrefix(b, []byte("RIFF")):
		// A RIFF container is only an image if the form tag says WEBP.
		if len(b) >= sniffLen && bytes.Equal(b[8:12], []byte("WEBP")) {
			return WebP
		}
		return Unknown
	case bytes.HasPrefix(b, []byte("BM")):
		return BMP
	}
	return Unknown
}

// WhatReader sniffs the format from the first bytes of r. Callers that
// still need the image must wrap r in a buffered reader and peek, or
// hold the bytes themselves; WhatReader consumes up to sniffLen bytes.
func WhatReader(r io.Reader) (Format, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, err
	}
	return What(head[:n]), nil
}

// Supported reports whether b carries one of the formats the provider
// accepts for image CAPTCHA uploads.
func Supported(b []byte) bool {
	return What(b) != Unknown
}
