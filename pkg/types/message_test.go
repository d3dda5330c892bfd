package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentIsImage(t *testing.T) {
	cases := []struct {
		name string
		att  Attachment
		want bool
	}{
		{"media type", Attachment{Filename: "scan.bin", MediaType: "image/jpeg"}, true},
		{"jpg extension", Attachment{Filename: "sheet.JPG"}, true},
		{"webp extension", Attachment{Filename: "photo.webp"}, true},
		{"tiff extension", Attachment{Filename: "scan.tiff"}, true},
		{"pdf", Attachment{Filename: "invoice.pdf", MediaType: "application/pdf"}, false},
		{"no hints", Attachment{Filename: "data", MediaType: "application/octet-stream"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.att.IsImage(), tc.name)
	}
}

func TestFirstImage(t *testing.T) {
	msg := &Message{Attachments: []Attachment{
		{Filename: "notes.txt", MediaType: "text/plain"},
		{Filename: "sheet.jpg", MediaType: "image/jpeg"},
		{Filename: "extra.png", MediaType: "image/png"},
	}}

	first := msg.FirstImage()
	require.NotNil(t, first)
	assert.Equal(t, "sheet.jpg", first.Filename)
}

func TestFirstImageNone(t *testing.T) {
	msg := &Message{Attachments: []Attachment{
		{Filename: "notes.txt", MediaType: "text/plain"},
	}}
	assert.Nil(t, msg.FirstImage())

	assert.Nil(t, (&Message{}).FirstImage())
}

func TestFallbackID(t *testing.T) {
	assert.Equal(t, "OCR_Processing/42", FallbackID("OCR_Processing", 42))
}
