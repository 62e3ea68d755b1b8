package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/acme/call-dispatcher/internal/domain"
)

func TestDecodeKeepsItemWithCorruptUserData(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := NewQueueRepository(nil, zap.New(core))

	rec := queueRecord{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		ContactID:    uuid.New(),
		PhoneNumber:  "+15550100",
		CallType:     string(domain.CallTypeDirect),
		Status:       string(domain.QueueStatusQueued),
		ScheduledFor: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
		UserData:     []byte(`{"name":`),
	}

	item := repo.decode(rec)
	if item == nil || item.ID != rec.ID || item.PhoneNumber != rec.PhoneNumber {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.UserData != nil {
		t.Fatalf("corrupt user_data should be dropped, got %v", item.UserData)
	}
	entries := logs.FilterField(zap.String("queue_item_id", rec.ID.String())).All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning for the item, got %v", logs.All())
	}
}

func TestDecodeReadsUserData(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := NewQueueRepository(nil, zap.New(core))

	rec := queueRecord{ID: uuid.New(), UserData: []byte(`{"name":"Ada"}`)}
	item := repo.decode(rec)
	if item.UserData["name"] != "Ada" {
		t.Fatalf("expected user data, got %v", item.UserData)
	}
	if logs.Len() != 0 {
		t.Fatalf("no warning expected, got %v", logs.All())
	}

	if _, err := (queueRecord{ID: uuid.New()}).toDomain(); err != nil {
		t.Fatalf("empty user_data must decode cleanly: %v", err)
	}
}
