package connector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

type fakeDownloader struct {
	path string
	err  error
}

func (f *fakeDownloader) DownloadFile(_ context.Context, _ dingtalk.Credentials, _, _, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"@bot hello", "hello"},
		{"  @bot   hello there ", "hello there"},
		{"hello @bot", "hello @bot"},
		{"@bot", ""},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := StripMention(tc.in); got != tc.want {
			t.Fatalf("StripMention(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtract_Text(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{})
	got := e.Extract(context.Background(), AccountConfig{}, InboundMessage{
		MsgType: "text",
		Text:    "@bot what time is it",
	})
	if got.Text != "what time is it" {
		t.Fatalf("text = %q", got.Text)
	}
	if len(got.Attachments) != 0 {
		t.Fatalf("unexpected attachments: %v", got.Attachments)
	}
}

func TestExtract_MediaDownload(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{path: "/tmp/media/voice.wav"})
	got := e.Extract(context.Background(), AccountConfig{ID: "acc"}, InboundMessage{
		MsgType:      "audio",
		DownloadCode: "dl-1",
		FileName:     "voice.wav",
	})
	if !strings.Contains(got.Text, "voice message") || !strings.Contains(got.Text, "voice.wav") {
		t.Fatalf("text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "/tmp/media/voice.wav" {
		t.Fatalf("attachments = %v", got.Attachments)
	}
}

func TestExtract_MediaDownloadFailureDegrades(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{err: errors.New("boom")})
	got := e.Extract(context.Background(), AccountConfig{}, InboundMessage{
		MsgType:      "picture",
		DownloadCode: "dl-1",
	})
	if !strings.Contains(got.Text, "image") || !strings.Contains(got.Text, "download failed") {
		t.Fatalf("text = %q", got.Text)
	}
	if len(got.Attachments) != 0 {
		t.Fatalf("failed download must not attach: %v", got.Attachments)
	}
	if got.IsEmpty() {
		t.Fatalf("degraded placeholder must not be empty")
	}
}

func TestExtract_RichText(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{path: "/tmp/media/pic.jpg"})
	got := e.Extract(context.Background(), AccountConfig{}, InboundMessage{
		MsgType: "richText",
		RichText: []RichTextNode{
			{Text: "@bot look at"},
			{DownloadCode: "dl-1"},
			{Text: "please"},
		},
	})
	if !strings.Contains(got.Text, "look at") || !strings.Contains(got.Text, "please") {
		t.Fatalf("text = %q", got.Text)
	}
	if !strings.Contains(got.Text, "/tmp/media/pic.jpg") {
		t.Fatalf("image path missing: %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %v", got.Attachments)
	}
}

func TestExtract_RichTextImageFailureKeepsText(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{err: errors.New("boom")})
	got := e.Extract(context.Background(), AccountConfig{}, InboundMessage{
		MsgType: "richText",
		RichText: []RichTextNode{
			{Text: "caption"},
			{DownloadCode: "dl-1"},
		},
	})
	if !strings.Contains(got.Text, "caption") || !strings.Contains(got.Text, "image unavailable") {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestExtract_UnknownType(t *testing.T) {
	t.Parallel()

	e := NewExtractor(slog.Default(), &fakeDownloader{})
	got := e.Extract(context.Background(), AccountConfig{}, InboundMessage{MsgType: "interactiveCard"})
	if !strings.Contains(got.Text, "Unsupported message type") {
		t.Fatalf("text = %q", got.Text)
	}
}
