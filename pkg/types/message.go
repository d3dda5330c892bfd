package types

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a mailbox message fetched from the monitored folder.
// It is immutable once fetched; only its ID is kept after processing.
type Message struct {
	ID          string       `json:"id"`
	UID         uint32       `json:"uid"`
	Folder      string       `json:"folder"`
	SenderName  string       `json:"sender_name"`
	SenderEmail string       `json:"sender_email"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
}

// imageExtensions lists the attachment suffixes accepted for recognition.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp"}

// IsImage reports whether the attachment looks like a photographed document,
// either by declared media type or by filename extension.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.MediaType, "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FirstImage returns the first image attachment in order, or nil.
func (m *Message) FirstImage() *Attachment {
	for i := range m.Attachments {
		if m.Attachments[i].IsImage() {
			return &m.Attachments[i]
		}
	}
	return nil
}

// FallbackID builds a message identity from folder and UID, used when the
// message carries no Message-Id header.
func FallbackID(folder string, uid uint32) string {
	return fmt.Sprintf("%s/%d", folder, uid)
}
