package vidsig

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mp4Header() []byte {
	return append([]byte{0, 0, 0, 0x20}, []byte("ftypisom")...)
}

func movHeader() []byte {
	return append([]byte{0, 0, 0, 0x20}, []byte("ftypqt  ")...)
}

func webmHeader() []byte {
	return append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 8)...)
}

func TestSniff(t *testing.T) {
	assert.Equal(t, ContainerMP4, Sniff(mp4Header()))
	assert.Equal(t, ContainerMOV, Sniff(movHeader()))
	assert.Equal(t, ContainerWebM, Sniff(webmHeader()))

	moov := append([]byte{0, 0, 0, 0x10}, []byte("moov....")...)
	assert.Equal(t, ContainerMOV, Sniff(moov))
	mdat := append([]byte{0, 0, 0, 0x10}, []byte("mdat....")...)
	assert.Equal(t, ContainerMOV, Sniff(mdat))

	assert.Empty(t, Sniff([]byte("<!doctype html><html>")))
	assert.Empty(t, Sniff([]byte("short")))
	assert.Empty(t, Sniff(nil))
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML([]byte("<!DOCTYPE html>")))
	assert.True(t, LooksLikeHTML([]byte("  <HTML lang=\"en\">")))
	assert.True(t, LooksLikeHTML([]byte("Checking your browser - Cloudflare")))
	assert.True(t, LooksLikeHTML([]byte("Please LOGIN to continue")))

	assert.False(t, LooksLikeHTML(mp4Header()))
	assert.False(t, LooksLikeHTML(nil))

	// markers past the preamble do not count
	late := append(bytes.Repeat([]byte{0xFF}, 600), []byte("<html>")...)
	assert.False(t, LooksLikeHTML(late))
}

func TestLooksLikeVideo(t *testing.T) {
	// signatured payload at the size floor
	signed := append(mp4Header(), make([]byte, MinVideoBytes)...)
	assert.True(t, LooksLikeVideo(signed))

	// too small, even with a valid signature
	assert.False(t, LooksLikeVideo(mp4Header()))

	// large unsignatured binary passes
	blob := bytes.Repeat([]byte{0xAB}, largePayloadBytes)
	assert.True(t, LooksLikeVideo(blob))

	// large but clearly a webpage fails
	page := append([]byte("<!doctype html>"), bytes.Repeat([]byte{' '}, largePayloadBytes)...)
	assert.False(t, LooksLikeVideo(page))

	// mid-sized unsignatured payload fails
	mid := bytes.Repeat([]byte{0xAB}, MinVideoBytes*2)
	assert.False(t, LooksLikeVideo(mid))
}
