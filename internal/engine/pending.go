package engine

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

const pendingFile = "pending_room"

// PendingSelection is the single externally persisted key: the campaign
// workflow stores a just-created room id here so the chat view can resume
// it after navigation. Consumed once, then cleared.
type PendingSelection struct {
	path string
}

func NewPendingSelection(stateDir string) *PendingSelection {
	return &PendingSelection{path: filepath.Join(stateDir, pendingFile)}
}

// Set records the room id to resume.
func (p *PendingSelection) Set(roomID string) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(roomID), 0o644)
}

// Consume returns the stored room id and clears it. The second return is
// false when nothing is pending.
func (p *PendingSelection) Consume() (string, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", false
	}
	if err := os.Remove(p.path); err != nil {
		log.Printf("[ENGINE] Could not clear pending room selection: %v", err)
	}
	roomID := strings.TrimSpace(string(data))
	return roomID, roomID != ""
}
