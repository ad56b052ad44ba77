// Package vidsig recognizes video container signatures in raw payloads.
//
// Every candidate payload produced by the download chain passes through
// LooksLikeVideo before it is accepted, so HTML login pages, CDN error
// bodies and truncated responses are rejected early.
package vidsig

import (
	"bytes"
	"strings"
)

const (
	// MinVideoBytes is the absolute floor for any accepted payload.
	MinVideoBytes = 10 * 1024
	// largePayloadBytes lets big unsignatured payloads through when their
	// preamble is clearly not HTML.
	largePayloadBytes = 500 * 1024
	preambleBytes     = 500
)

var htmlMarkers = []string{"<!doctype", "<html", "cloudflare", "login"}

// Container names returned by Sniff.
const (
	ContainerMP4  = "mp4"
	ContainerWebM = "webm"
	ContainerMOV  = "mov"
)

// Sniff returns the container name matched by the payload's leading bytes,
// or "" when no known signature matches.
func Sniff(b []byte) string {
	if len(b) < 12 {
		return ""
	}
	// MP4/MOV: size(4) + "ftyp" brand box
	if bytes.Equal(b[4:8], []byte("ftyp")) {
		brand := string(b[8:12])
		if strings.HasPrefix(brand, "qt") {
			return ContainerMOV
		}
		return ContainerMP4
	}
	// WebM/Matroska: EBML magic
	if bytes.Equal(b[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		return ContainerWebM
	}
	// Some QuickTime files lead with a moov or mdat atom
	if bytes.Equal(b[4:8], []byte("moov")) || bytes.Equal(b[4:8], []byte("mdat")) {
		return ContainerMOV
	}
	return ""
}

// LooksLikeHTML reports whether the payload preamble contains a marker that
// identifies a webpage rather than media bytes.
func LooksLikeHTML(b []byte) bool {
	n := len(b)
	if n > preambleBytes {
		n = preambleBytes
	}
	head := strings.ToLower(string(b[:n]))
	for _, m := range htmlMarkers {
		if strings.Contains(head, m) {
			return true
		}
	}
	return false
}

// LooksLikeVideo applies the validity test: at least MinVideoBytes and a
// known container signature, or a large payload whose preamble is not HTML.
func LooksLikeVideo(b []byte) bool {
	if len(b) < MinVideoBytes {
		return false
	}
	if Sniff(b) != "" {
		return true
	}
	return len(b) >= largePayloadBytes && !LooksLikeHTML(b)
}
