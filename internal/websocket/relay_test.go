package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/progress"
)

func TestFromUpdate(t *testing.T) {
	tr := progress.New(backup.Stages, nil)
	tr.Child(backup.StageBackupFileExport).Finish()
	upload := tr.Child(backup.StageBackupFileUpload)
	upload.AddUnits(4)
	upload.CompleteUnits(2)

	msg := FromUpdate(backup.Progress{Snapshot: tr.Snapshot()})
	if msg.Type != "backup_progress" {
		t.Errorf("type = %s, want backup_progress", msg.Type)
	}
	if got := msg.Extra["percent"]; got != 97.5 {
		t.Errorf("percent = %v, want 97.5", got)
	}
	if got := msg.Extra["stage"]; got != string(backup.StageBackupFileUpload) {
		t.Errorf("stage = %v, want %s", got, backup.StageBackupFileUpload)
	}

	msg = FromUpdate(backup.Completion{Err: errors.New("upload failed")})
	if msg.Type != "backup_completion" || msg.Extra["success"] != false || msg.Extra["error"] != "upload failed" {
		t.Errorf("completion message = %+v", msg)
	}

	msg = FromUpdate(backup.Completion{})
	if msg.Extra["success"] != true {
		t.Errorf("success = %v, want true", msg.Extra["success"])
	}
	if _, ok := msg.Extra["error"]; ok {
		t.Error("successful completion carries an error")
	}

	if msg := FromUpdate(backup.Idle{}); msg.Type != "backup_idle" {
		t.Errorf("type = %s, want backup_idle", msg.Type)
	}
}

func TestRelay(t *testing.T) {
	hub := NewHub(testLogger())
	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	updates := make(chan backup.Update, 3)
	updates <- backup.Progress{}
	updates <- backup.Completion{}
	updates <- backup.Idle{}
	close(updates)

	done := make(chan struct{})
	go func() {
		hub.Relay(context.Background(), updates)
		close(done)
	}()

	for _, want := range []string{"backup_progress", "backup_completion", "backup_idle"} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != want {
				t.Errorf("type = %s, want %s", got.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not return after the channel closed")
	}
}

func TestRelayStopsOnContext(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Relay(ctx, make(chan backup.Update))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
