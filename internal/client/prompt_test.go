package client

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atinyakov/GophPass/internal/models"
)

func TestPrompter_Entry(t *testing.T) {
	in := strings.NewReader("s3cret\nalice\n\nline one\nline two\n.\n")
	var out bytes.Buffer
	current := models.Entry{Metadata: models.Metadata{URL: "https://example.com"}}

	got := NewPrompter(in, &out).Entry(current)

	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, "alice", got.Metadata.Username)
	assert.Equal(t, "https://example.com", got.Metadata.URL)
	assert.Equal(t, "line one\nline two", got.Metadata.Notes)
	assert.Contains(t, out.String(), "URL [https://example.com]: ")
}

func TestPrompter_EntryKeepsCurrent(t *testing.T) {
	current := models.Entry{Secret: "old", Metadata: models.Metadata{Notes: "keep"}}
	got := NewPrompter(strings.NewReader("\n\n\n.\n"), &bytes.Buffer{}).Entry(current)
	assert.Equal(t, current, got)
}

func TestPrompter_Login(t *testing.T) {
	pw, code := NewPrompter(strings.NewReader(" master \n123456\n"), &bytes.Buffer{}).Login()
	assert.Equal(t, "master", pw)
	assert.Equal(t, "123456", code)
}

func TestPrompter_AskAtEOF(t *testing.T) {
	assert.Empty(t, NewPrompter(strings.NewReader(""), &bytes.Buffer{}).Ask("? "))
}
