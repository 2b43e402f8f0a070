package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/database"
	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	// Public key should be base64url-encoded, 65 bytes uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}
	if priv == "" {
		t.Error("expected non-empty private key")
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

// browserSubscription returns a subscription with valid client keys.
func browserSubscription(t *testing.T, endpoint string) *model.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	secret := make([]byte, 16)
	rand.Read(secret)
	return &model.PushSubscription{
		Endpoint:  endpoint,
		P256dhKey: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		AuthKey:   base64.RawURLEncoding.EncodeToString(secret),
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	return NewService(Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv})
}

func TestServiceSend(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc := newTestService(t)
	err := svc.Send(context.Background(), browserSubscription(t, srv.URL), Payload{Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if gotAuth == "" {
		t.Error("request carried no VAPID authorization")
	}
}

func TestServiceSendExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	svc := newTestService(t)
	err := svc.Send(context.Background(), browserSubscription(t, srv.URL), Payload{Title: "t"})
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Send() = %v, want ErrExpired", err)
	}
}

type fakeSender struct {
	expired map[string]bool
	sent    []Payload
}

func (f *fakeSender) Send(_ context.Context, sub *model.PushSubscription, p Payload) error {
	if f.expired[sub.Endpoint] {
		return ErrExpired
	}
	f.sent = append(f.sent, p)
	return nil
}

func setupNotifier(t *testing.T) (*Notifier, *fakeSender, *store.PushStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ps := store.NewPushStore(db)
	sender := &fakeSender{expired: map[string]bool{}}
	return NewNotifier(sender, ps, testLogger()), sender, ps
}

func TestNotifierBroadcastDropsExpired(t *testing.T) {
	n, sender, ps := setupNotifier(t)
	ctx := context.Background()
	ps.Create(ctx, "https://push.example.com/live", "k", "a", "")
	ps.Create(ctx, "https://push.example.com/gone", "k", "a", "")
	sender.expired["https://push.example.com/gone"] = true

	if sent := n.Broadcast(ctx, Payload{Title: "hi"}); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	subs, _ := ps.List(ctx)
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example.com/live" {
		t.Errorf("subscriptions = %+v, want only the live one", subs)
	}
}

func TestNotifierWatch(t *testing.T) {
	n, sender, ps := setupNotifier(t)
	ctx := context.Background()
	ps.Create(ctx, "https://push.example.com/a", "k", "a", "")

	updates := make(chan backup.Update, 8)
	updates <- backup.Idle{}
	updates <- backup.Completion{}
	updates <- backup.Completion{Err: context.Canceled}
	updates <- backup.Completion{Err: errors.New("upload failed")}
	updates <- backup.Completion{Err: errors.New("upload failed again")}
	updates <- backup.Completion{}
	updates <- backup.Completion{}
	close(updates)

	n.Watch(ctx, updates)

	var tags []string
	for _, p := range sender.sent {
		tags = append(tags, p.Tag)
	}
	want := []string{TagBackupFailed, TagBackupFailed, TagBackupRecovered}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %q, want %q", i, tags[i], want[i])
		}
	}
	if sender.sent[0].Body != "upload failed" {
		t.Errorf("body = %q, want the run error", sender.sent[0].Body)
	}
}
