package delivery

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = header{
	from:      `"Shop" <news@example.com>`,
	to:        "a@example.org",
	subject:   "Привет",
	messageID: "<1@example.com>",
	date:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
}

func TestBuildMessage_HTMLOnly(t *testing.T) {
	raw, err := buildMessage(testHeader, Envelope{HTML: "<p>Hello</p>"})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "a@example.org", msg.Header.Get("To"))
	assert.Equal(t, "<1@example.com>", msg.Header.Get("Message-Id"))
	assert.Equal(t, "text/html; charset=UTF-8", msg.Header.Get("Content-Type"))

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Привет", subject)

	body, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<p>Hello</p>")
}

func TestBuildMessage_WithAttachment(t *testing.T) {
	old := readFile
	readFile = func(path string) ([]byte, error) {
		assert.Equal(t, "/srv/files/price.pdf", path)
		return []byte("%PDF-1.4 test"), nil
	}
	defer func() { readFile = old }()

	raw, err := buildMessage(testHeader, Envelope{
		HTML:        "<p>See attached</p>",
		Attachments: []Attachment{{Filename: "price.pdf", Path: "/srv/files/price.pdf", ContentType: "application/pdf"}},
	})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	htmlPart, err := mr.NextPart()
	require.NoError(t, err)
	html, err := io.ReadAll(htmlPart)
	require.NoError(t, err)
	assert.Contains(t, string(html), "See attached")

	filePart, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "price.pdf", filePart.FileName())
	assert.True(t, strings.HasPrefix(filePart.Header.Get("Content-Type"), "application/pdf"))
	// multipart.Reader decodes quoted-printable only; base64 stays encoded.
	encoded, err := io.ReadAll(filePart)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "JVBERi0xLjQgdGVzdA==")
}

func TestBuildMessage_MissingAttachment(t *testing.T) {
	old := readFile
	readFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	defer func() { readFile = old }()

	_, err := buildMessage(testHeader, Envelope{
		HTML:        "<p>x</p>",
		Attachments: []Attachment{{Filename: "gone.pdf", Path: "/nope/gone.pdf"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "gone.pdf")
}

func TestWriteBase64_WrapsLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBase64(&buf, bytes.Repeat([]byte("a"), 200)))
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}
