package repo

import (
	"testing"

	"github.com/mira/nursery-relay/pkg/model"
)

func TestMemoryRoomRepositoryCreateAssignsIDs(t *testing.T) {
	r := NewMemoryRoomRepository()

	first, err := r.Create(model.Room{Name: "nursery", StreamSourceType: model.SourceRTSP, CameraStreamURL: "rtsp://cam/1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Create(model.Room{Name: "guest", StreamSourceType: model.SourceRTSP, CameraStreamURL: "rtsp://cam/2"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("ids must be unique, both got %d", first.ID)
	}

	got, found, err := r.Find(second.ID)
	if err != nil || !found {
		t.Fatalf("Find(%d): found=%v err=%v", second.ID, found, err)
	}
	if got.Name != "guest" {
		t.Errorf("found wrong room: %+v", got)
	}
}

func TestMemoryRoomRepositorySeedBumpsNextID(t *testing.T) {
	r := NewMemoryRoomRepository(model.Room{ID: 10, Name: "seeded"})
	created, err := r.Create(model.Room{Name: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID <= 10 {
		t.Errorf("created id %d collides with seeded rooms", created.ID)
	}
}

func TestMemoryRoomRepositoryUpdateUnknownRoom(t *testing.T) {
	r := NewMemoryRoomRepository()
	if _, err := r.Update(model.Room{ID: 99}); err == nil {
		t.Fatal("updating a missing room must fail")
	}
}

func TestMemoryRoomRepositoryDelete(t *testing.T) {
	r := NewMemoryRoomRepository(model.Room{ID: 1})

	deleted, err := r.Delete(1)
	if err != nil || !deleted {
		t.Fatalf("Delete(1) = %v, %v", deleted, err)
	}
	deleted, err = r.Delete(1)
	if err != nil || deleted {
		t.Fatalf("second Delete(1) = %v, %v, want false", deleted, err)
	}

	rooms, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 0 {
		t.Errorf("expected empty list after delete, got %d rooms", len(rooms))
	}
}

func TestMemoryRoomRepositoryUpdateSettings(t *testing.T) {
	r := NewMemoryRoomRepository(model.Room{ID: 4, Name: "old"})
	err := r.UpdateSettings(4, func(room *model.Room) { room.Name = "new" })
	if err != nil {
		t.Fatal(err)
	}
	got, _, _ := r.Find(4)
	if got.Name != "new" {
		t.Errorf("mutation not applied: %+v", got)
	}
}

func TestMemorySettingsRepositoryRoundTrip(t *testing.T) {
	s := NewMemorySettingsRepository(model.DefaultGlobalSettings())

	settings, err := s.Get()
	if err != nil {
		t.Fatal(err)
	}
	if settings.SoundThresholdDB != -20 {
		t.Errorf("default threshold = %v, want -20", settings.SoundThresholdDB)
	}

	settings.SoundThresholdDB = -35
	if err := s.Update(settings); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get()
	if got.SoundThresholdDB != -35 {
		t.Errorf("update not persisted: %+v", got)
	}
}
