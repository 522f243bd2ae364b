// handlers/api/gmail.go
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// AttachmentData represents a file attachment
type AttachmentData struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Mailer sends one message per call and returns the provider message id.
// GmailClient is the real implementation; tests substitute their own.
type Mailer interface {
	Send(to, subject, body string, resume *AttachmentData, attachments []AttachmentData) (string, error)
}

// GmailClient sends mail through the Gmail API on behalf of the
// authenticated account. The API decides the literal from-address; the
// configured sender only shows up in the message headers.
type GmailClient struct {
	service *gmail.Service
	sender  string
}

// NewGmailClient builds a client from the user's stored token pair. The
// underlying HTTP client refreshes the access token transparently when a
// refresh token is present.
func NewGmailClient(ctx context.Context, conf *oauth2.Config, token *oauth2.Token, sender string) (*GmailClient, error) {
	service, err := gmail.NewService(ctx, option.WithHTTPClient(conf.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %v", err)
	}

	return &GmailClient{service: service, sender: sender}, nil
}

// Send submits a single message: one text body part plus any attachment
// parts. One API call per recipient, no batching, no retry.
func (c *GmailClient) Send(to, subject, body string, resume *AttachmentData, attachments []AttachmentData) (string, error) {
	raw := BuildMessage(c.sender, to, subject, body, resume, attachments)

	sent, err := c.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Do()
	if err != nil {
		return "", fmt.Errorf("send to %s failed: %w", to, err)
	}

	return sent.Id, nil
}

// IsCredentialError reports whether a send failure means the credential
// itself is unusable rather than this one message failing in transport.
func IsCredentialError(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 401 || gErr.Code == 403
	}
	// Token refresh failures surface as oauth2 RetrieveError
	var rErr *oauth2.RetrieveError
	return errors.As(err, &rErr)
}

// BuildMessage constructs the RFC 2822 message bytes: plain-text body and,
// when attachments are present, a multipart/mixed envelope with base64
// encoded attachment parts.
func BuildMessage(from, to, subject, body string, resume *AttachmentData, attachments []AttachmentData) []byte {
	var parts []AttachmentData
	if resume != nil {
		parts = append(parts, *resume)
	}
	parts = append(parts, attachments...)

	var buf bytes.Buffer
	boundary := fmt.Sprintf("mixed-%s", generateBoundary())

	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", generateMessageID(), emailDomain(from))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(parts) == 0 {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
		return buf.Bytes()
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary)

	// Text body part
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n%s\r\n", body)

	// Attachment parts
	for _, att := range parts {
		contentType := att.ContentType
		if contentType == "" {
			contentType = DetectContentType(att.Filename)
		}

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; name=\"%s\"\r\n", contentType, att.Filename)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=\"%s\"\r\n", att.Filename)
		fmt.Fprintf(&buf, "Content-Transfer-Encoding: base64\r\n\r\n")

		// Base64, split into lines of 76 chars
		b64 := base64.StdEncoding.EncodeToString(att.Data)
		for i := 0; i < len(b64); i += 76 {
			end := i + 76
			if end > len(b64) {
				end = len(b64)
			}
			fmt.Fprintf(&buf, "%s\r\n", b64[i:end])
		}
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes()
}

func generateBoundary() string {
	return fmt.Sprintf("%x", rand.Int63())
}

// generateMessageID creates a unique Message-ID for the email
func generateMessageID() string {
	return fmt.Sprintf("%d.%d.%d",
		time.Now().UnixNano(),
		os.Getpid(),
		rand.Int63())
}

func emailDomain(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return "localhost"
}

// DetectContentType guesses a MIME type from the filename extension
func DetectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return "text/plain"
	case ".html":
		return "text/html"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
