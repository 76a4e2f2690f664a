package email

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessageCarriesAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake invoice body that is long enough to wrap across several base64 lines of output")
	raw, err := buildMessage(
		"Billing <billing@acme.io>", "owner@acme.io", "Invoice INV-202603-1",
		"<p>Thanks</p>", "<id@smtp.acme.io>", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		[]Attachment{{Filename: "INV-202603-1.pdf", ContentType: "application/pdf", Data: pdf}},
	)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, "<id@smtp.acme.io>", msg.Header.Get("Message-ID"))
	assert.Equal(t, "owner@acme.io", msg.Header.Get("To"))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	body, err := mr.NextPart()
	require.NoError(t, err)
	html := decodePart(t, body)
	assert.Contains(t, html, "<p>Thanks</p>")

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "INV-202603-1.pdf", att.FileName())
	assert.Equal(t, string(pdf), decodePart(t, att))

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSendRequiresHost(t *testing.T) {
	var sender *EmailSender
	assert.False(t, sender.Configured())

	_, err := NewEmailSender("", "465", "u", "p", "Billing", true).Send(context.Background(), "a@b.io", "s", "b")
	assert.Error(t, err)
}

func decodePart(t *testing.T, p *multipart.Part) string {
	t.Helper()
	raw, err := io.ReadAll(p)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(raw), "\r\n", ""))
	require.NoError(t, err)
	return string(decoded)
}
