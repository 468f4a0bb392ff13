// Package storage persists conversation transcripts as JSON files, one file
// per session, grouped by device.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TranscriptMessage represents a transcriptMessage.
type TranscriptMessage struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content,omitempty"`
}

// TranscriptInfo represents a transcriptInfo.
type TranscriptInfo struct {
	UID           string            `json:"uid"`
	LatestMessage TranscriptMessage `json:"latest_message"`
	Timestamp     string            `json:"timestamp"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.:]+$`)

// CreateTranscript starts a new transcript file and returns its uid.
func CreateTranscript(baseDir string, deviceUID string) (string, error) {
	if deviceUID == "" {
		return "", errors.New("device uid is empty")
	}
	dir, err := ensureDeviceDir(baseDir, deviceUID)
	if err != nil {
		return "", err
	}
	uid := time.Now().Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(dir, uid+".json")
	meta := []TranscriptMessage{{Role: "metadata", Timestamp: time.Now().Format(time.RFC3339)}}
	if err := writeTranscript(path, meta); err != nil {
		return "", err
	}
	return uid, nil
}

// AppendMessage adds one chat line to an existing transcript.
func AppendMessage(baseDir string, deviceUID string, transcriptUID string, role string, content string) error {
	path, err := transcriptPath(baseDir, deviceUID, transcriptUID)
	if err != nil {
		return err
	}
	messages, err := readTranscript(path)
	if err != nil {
		return err
	}
	messages = append(messages, TranscriptMessage{
		Role:      role,
		Timestamp: time.Now().Format(time.RFC3339),
		Content:   content,
	})
	return writeTranscript(path, messages)
}

// GetTranscript returns the chat lines of one transcript, metadata excluded.
func GetTranscript(baseDir string, deviceUID string, transcriptUID string) ([]TranscriptMessage, error) {
	path, err := transcriptPath(baseDir, deviceUID, transcriptUID)
	if err != nil {
		return nil, err
	}
	messages, err := readTranscript(path)
	if err != nil {
		return nil, err
	}
	filtered := []TranscriptMessage{}
	for _, msg := range messages {
		if msg.Role == "metadata" || msg.Role == "system" {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered, nil
}

// DeleteTranscript executes the deleteTranscript function.
func DeleteTranscript(baseDir string, deviceUID string, transcriptUID string) bool {
	path, err := transcriptPath(baseDir, deviceUID, transcriptUID)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}

// GetTranscriptList executes the getTranscriptList function.
func GetTranscriptList(baseDir string, deviceUID string) []TranscriptInfo {
	list := []TranscriptInfo{}
	dir, err := ensureDeviceDir(baseDir, deviceUID)
	if err != nil {
		return list
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return list
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		transcriptUID := strings.TrimSuffix(entry.Name(), ".json")
		messages, err := readTranscript(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var latest *TranscriptMessage
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "metadata" {
				continue
			}
			msg := messages[i]
			latest = &msg
			break
		}
		if latest == nil {
			continue
		}
		list = append(list, TranscriptInfo{
			UID:           transcriptUID,
			LatestMessage: *latest,
			Timestamp:     latest.Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})

	return list
}

func ensureDeviceDir(baseDir string, deviceUID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(deviceUID) {
		return "", errors.New("invalid device uid")
	}
	path := filepath.Join(baseDir, deviceUID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func transcriptPath(baseDir string, deviceUID string, transcriptUID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(deviceUID) || !safeNamePattern.MatchString(transcriptUID) {
		return "", errors.New("invalid transcript path")
	}
	return filepath.Join(baseDir, deviceUID, transcriptUID+".json"), nil
}

func readTranscript(path string) ([]TranscriptMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var messages []TranscriptMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func writeTranscript(path string, messages []TranscriptMessage) error {
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
