package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/deskrelay/deskrelay/internal/transport"
)

func TestNormalizeUpdateText(t *testing.T) {
	t.Parallel()

	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 42,
			Date:      1700000000,
			Text:      "hello there",
			Chat:      &tgbotapi.Chat{ID: 555},
			From:      &tgbotapi.User{ID: 123, UserName: "alice", FirstName: "Alice"},
		},
	}
	got, ok := NormalizeUpdate(update)
	if !ok {
		t.Fatal("expected update to normalize")
	}
	if got.RemoteMessageID != "42" {
		t.Fatalf("unexpected message id: %s", got.RemoteMessageID)
	}
	if got.ChatID != 555 {
		t.Fatalf("unexpected chat id: %d", got.ChatID)
	}
	if got.Kind != transport.KindText || got.Text != "hello there" {
		t.Fatalf("unexpected content: %s %q", got.Kind, got.Text)
	}
	if got.Sender.ID != 123 || got.Sender.Username != "alice" {
		t.Fatalf("unexpected sender: %#v", got.Sender)
	}
	if got.SentAt.IsZero() {
		t.Fatal("expected sent at to be set")
	}
}

func TestNormalizeUpdateSkipsEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := NormalizeUpdate(tgbotapi.Update{}); ok {
		t.Fatal("expected update without message to be skipped")
	}
	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1,
			Chat:      &tgbotapi.Chat{ID: 1},
		},
	}
	if _, ok := NormalizeUpdate(update); ok {
		t.Fatal("expected empty message to be skipped")
	}
}

func TestNormalizeUpdatePhotoPicksLargest(t *testing.T) {
	t.Parallel()

	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 7,
			Chat:      &tgbotapi.Chat{ID: 9},
			Caption:   "look at this",
			Photo: []tgbotapi.PhotoSize{
				{FileID: "small", FileSize: 100, Width: 90, Height: 90},
				{FileID: "big", FileSize: 9000, Width: 800, Height: 600},
			},
		},
	}
	got, ok := NormalizeUpdate(update)
	if !ok {
		t.Fatal("expected update to normalize")
	}
	if got.Kind != transport.KindPhoto {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
	if got.Text != "look at this" {
		t.Fatalf("expected caption as text, got %q", got.Text)
	}
	if got.Attachment == nil || got.Attachment.FileID != "big" {
		t.Fatalf("expected largest photo, got %#v", got.Attachment)
	}
}

func TestNormalizeUpdateStickerPlaceholder(t *testing.T) {
	t.Parallel()

	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 3,
			Chat:      &tgbotapi.Chat{ID: 2},
			Sticker:   &tgbotapi.Sticker{FileID: "st_1"},
		},
	}
	got, ok := NormalizeUpdate(update)
	if !ok {
		t.Fatal("expected update to normalize")
	}
	if got.Kind != transport.KindSticker {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
	if got.Text != "[sticker]" {
		t.Fatalf("expected placeholder text, got %q", got.Text)
	}
}

func TestNormalizeUpdateLocation(t *testing.T) {
	t.Parallel()

	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 4,
			Chat:      &tgbotapi.Chat{ID: 2},
			Location:  &tgbotapi.Location{Latitude: 52.5, Longitude: 13.4},
		},
	}
	got, ok := NormalizeUpdate(update)
	if !ok {
		t.Fatal("expected update to normalize")
	}
	if got.Kind != transport.KindLocation {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
	if !strings.HasPrefix(got.Text, "[location]") {
		t.Fatalf("expected location placeholder, got %q", got.Text)
	}
	if got.Attachment != nil {
		t.Fatal("location should carry no file attachment")
	}
}

func TestTruncateText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := truncateText(short); got != short {
		t.Fatalf("short text should be unchanged: %q", got)
	}

	long := strings.Repeat("я", maxMessageLength)
	got := truncateText(long)
	if len(got) > maxMessageLength {
		t.Fatalf("truncated text too long: %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncated text must stay valid UTF-8")
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix: %q", got[len(got)-8:])
	}
}

func TestSanitizeText(t *testing.T) {
	t.Parallel()

	valid := "ok"
	if got := sanitizeText(valid); got != valid {
		t.Fatalf("valid text should be unchanged: %q", got)
	}
	invalid := string([]byte{0xff, 'h', 'i'})
	got := sanitizeText(invalid)
	if !utf8.ValidString(got) {
		t.Fatal("sanitized text must be valid UTF-8")
	}
	if !strings.Contains(got, "hi") {
		t.Fatalf("sanitize should keep valid bytes: %q", got)
	}
}

func TestPeerDisplayName(t *testing.T) {
	t.Parallel()

	p := transport.Peer{FirstName: "Jo", LastName: "Smith", Username: "jo"}
	if got := p.DisplayName(); got != "Jo Smith" {
		t.Fatalf("unexpected display name: %q", got)
	}
	p = transport.Peer{Username: "jo"}
	if got := p.DisplayName(); got != "jo" {
		t.Fatalf("expected username fallback: %q", got)
	}
}

func TestNormalizeUpdateAudio(t *testing.T) {
	t.Parallel()

	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 7,
			Date:      1700000000,
			Chat:      &tgbotapi.Chat{ID: 555},
			From:      &tgbotapi.User{ID: 123, UserName: "alice"},
			Audio: &tgbotapi.Audio{
				FileID:   "aud-1",
				FileName: "song.mp3",
				MimeType: "audio/mpeg",
				FileSize: 2048,
			},
		},
	}
	got, ok := NormalizeUpdate(update)
	if !ok {
		t.Fatal("expected audio update to normalize")
	}
	if got.Kind != transport.KindAudio {
		t.Fatalf("unexpected kind: %s", got.Kind)
	}
	if got.Attachment == nil {
		t.Fatal("expected attachment ref")
	}
	if got.Attachment.FileID != "aud-1" || got.Attachment.Name != "song.mp3" ||
		got.Attachment.Mime != "audio/mpeg" || got.Attachment.Size != 2048 {
		t.Fatalf("unexpected attachment: %#v", got.Attachment)
	}
}

func TestNormalizeUpdateUnsupportedPlaceholder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  *tgbotapi.Message
		want string
	}{
		{
			name: "contact",
			msg:  &tgbotapi.Message{Contact: &tgbotapi.Contact{PhoneNumber: "+100", FirstName: "Bob"}},
			want: "[contact]",
		},
		{
			name: "poll",
			msg:  &tgbotapi.Message{Poll: &tgbotapi.Poll{ID: "p1", Question: "lunch?"}},
			want: "[poll]",
		},
		{
			name: "dice",
			msg:  &tgbotapi.Message{Dice: &tgbotapi.Dice{Emoji: "🎲", Value: 4}},
			want: "[dice]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.msg.MessageID = 9
			tc.msg.Date = 1700000000
			tc.msg.Chat = &tgbotapi.Chat{ID: 555}
			got, ok := NormalizeUpdate(tgbotapi.Update{Message: tc.msg})
			if !ok {
				t.Fatal("expected update to normalize to a placeholder")
			}
			if got.Kind != transport.KindText || got.Text != tc.want {
				t.Fatalf("unexpected content: %s %q", got.Kind, got.Text)
			}
			if got.Attachment != nil {
				t.Fatalf("unexpected attachment: %#v", got.Attachment)
			}
		})
	}
}
