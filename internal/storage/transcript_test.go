package storage

import "testing"

func TestCreateAppendGetTranscript(t *testing.T) {
	baseDir := t.TempDir()

	uid, err := CreateTranscript(baseDir, "device-1")
	if err != nil {
		t.Fatalf("CreateTranscript returned error: %v", err)
	}
	if uid == "" {
		t.Fatal("CreateTranscript returned empty uid")
	}

	if err := AppendMessage(baseDir, "device-1", uid, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage returned error: %v", err)
	}
	if err := AppendMessage(baseDir, "device-1", uid, "assistant", "hi there"); err != nil {
		t.Fatalf("AppendMessage returned error: %v", err)
	}

	messages, err := GetTranscript(baseDir, "device-1", uid)
	if err != nil {
		t.Fatalf("GetTranscript returned error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages=%d, want 2 with metadata filtered", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "hello" {
		t.Fatalf("first message=%+v", messages[0])
	}
	if messages[1].Role != "assistant" {
		t.Fatalf("second message=%+v", messages[1])
	}
}

func TestGetTranscriptListOrdersByTimestamp(t *testing.T) {
	baseDir := t.TempDir()

	first, err := CreateTranscript(baseDir, "device-1")
	if err != nil {
		t.Fatalf("CreateTranscript returned error: %v", err)
	}
	if err := AppendMessage(baseDir, "device-1", first, "user", "one"); err != nil {
		t.Fatalf("AppendMessage returned error: %v", err)
	}

	list := GetTranscriptList(baseDir, "device-1")
	if len(list) != 1 {
		t.Fatalf("list=%d entries, want 1", len(list))
	}
	if list[0].LatestMessage.Content != "one" {
		t.Fatalf("latest message=%+v", list[0].LatestMessage)
	}
}

func TestDeleteTranscript(t *testing.T) {
	baseDir := t.TempDir()

	uid, err := CreateTranscript(baseDir, "device-1")
	if err != nil {
		t.Fatalf("CreateTranscript returned error: %v", err)
	}
	if !DeleteTranscript(baseDir, "device-1", uid) {
		t.Fatal("DeleteTranscript=false, want true")
	}
	if DeleteTranscript(baseDir, "device-1", uid) {
		t.Fatal("second DeleteTranscript=true, want false")
	}
}

func TestTranscriptPathRejectsUnsafeNames(t *testing.T) {
	if _, err := CreateTranscript(t.TempDir(), "../evil"); err == nil {
		t.Fatal("CreateTranscript(../evil) error=nil, want non-nil")
	}
}
