package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

func snapshotWith(status domain.DeliveryStatus) store.Snapshot {
	return store.Snapshot{
		Active: &domain.Conversation{ID: "c1", Title: "Trip"},
		Messages: []domain.Entry{{
			Handle:  "h1",
			Message: domain.Message{ConversationID: "c1", Content: "hi", Sender: domain.SenderUser, Status: status},
		}},
	}
}

func TestPrinter_PrintsEntriesOnceAndStateChanges(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.render(snapshotWith(domain.StatusSending))
	p.render(snapshotWith(domain.StatusSending))
	p.render(snapshotWith(domain.StatusSent))

	out := buf.String()
	if strings.Count(out, "you> hi") != 1 {
		t.Errorf("entry should be printed once:\n%s", out)
	}
	if !strings.Contains(out, "(pending)") {
		t.Errorf("expected pending marker:\n%s", out)
	}
	if !strings.Contains(out, "[confirmed] hi") {
		t.Errorf("expected confirmation line:\n%s", out)
	}
	if !strings.Contains(out, "--- Trip (c1) ---") {
		t.Errorf("expected conversation header:\n%s", out)
	}
}

func TestPrinter_SeedSuppressesExisting(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.seed(snapshotWith(domain.StatusSent))
	p.render(snapshotWith(domain.StatusSent))
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestPrinter_ShowsErrorOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	snap := snapshotWith(domain.StatusError)
	snap.Error = "failed to send message"
	p.render(snap)
	p.render(snap)
	if strings.Count(buf.String(), "! failed to send message") != 1 {
		t.Errorf("error should be printed once:\n%s", buf.String())
	}
}

func TestLastFailed(t *testing.T) {
	snap := snapshotWith(domain.StatusError)
	h, ok := lastFailed(snap)
	if !ok || h != "h1" {
		t.Errorf("lastFailed = %q, %v", h, ok)
	}
	if _, ok := lastFailed(snapshotWith(domain.StatusSent)); ok {
		t.Error("no failed entry expected")
	}
}

func TestReadAttachment_SniffsType(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/pic.png"
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if err := writeFile(path, png); err != nil {
		t.Fatal(err)
	}
	att, err := readAttachment(path)
	if err != nil {
		t.Fatal(err)
	}
	if att.ContentType != "image/png" || att.Name != "pic.png" {
		t.Errorf("unexpected attachment %+v", att)
	}
	if att, _ := readAttachment(""); att != nil {
		t.Error("empty path should yield no attachment")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "DEBUG" || parseLevel("nonsense").String() != "INFO" {
		t.Error("unexpected level parsing")
	}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
