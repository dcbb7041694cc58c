//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"missiontrack/internal/model"
)

func TestPostgresMissionLifecycle(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	ctx := t.Context()
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	m := model.Mission{
		ID:              "it_" + uuid.NewString(),
		Status:          model.StatusPending,
		Pickup:          model.Geofence{SiteID: "p", Role: model.RolePickup, RadiusMeters: 200},
		Delivery:        model.Geofence{SiteID: "d", Role: model.RoleDelivery, RadiusMeters: 200},
		Zones:           model.ZoneStates{Pickup: model.Outside, Delivery: model.Outside},
		LastPositionSeq: map[string]int64{},
		History:         []model.HistoryEntry{{Status: model.StatusPending, At: now, CausedBy: "dispatch"}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.CreateMission(ctx, m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if err := p.CreateMission(ctx, m); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: %v", err)
	}

	r := model.PositionReport{MissionID: m.ID, DeviceID: "dev", Lat: 1, Lon: 2, SequenceID: 1, CapturedAt: now, ReceivedAt: now}
	next := m.Clone()
	next.LastPositionSeq["dev"] = 1
	if err := p.Commit(ctx, Mutation{Mission: next, ExpectVersion: 0, Report: &r}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Commit(ctx, Mutation{Mission: next, ExpectVersion: 0}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale version should conflict: %v", err)
	}
	if err := p.Commit(ctx, Mutation{Mission: next, ExpectVersion: 1, Report: &r}); !errors.Is(err, ErrDuplicateReport) {
		t.Fatalf("replayed report should be duplicate: %v", err)
	}
	got, err := p.GetMission(ctx, m.ID)
	if err != nil || got.Version != 1 || got.LastPositionSeq["dev"] != 1 {
		t.Fatalf("GetMission: %+v %v", got, err)
	}
	track, _, err := p.ListTrack(ctx, m.ID, "", 10)
	if err != nil || len(track) != 1 {
		t.Fatalf("ListTrack: %v %v", track, err)
	}
}
