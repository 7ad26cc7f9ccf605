package services

import (
	"context"
	"testing"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/internal/infrastructure/repositories/memory"

	"go.uber.org/zap/zaptest"
)

func newCatalog(t *testing.T) ports.CatalogService {
	t.Helper()
	return NewCatalogService(memory.NewMemorySourceRepository(), zaptest.NewLogger(t).Sugar())
}

func testPeer(userID domain.UserID, username string) *domain.Peer {
	peer := domain.NewPeer("conn-1", "garage", domain.RoleVehicle)
	peer.UserID = userID
	peer.Username = username
	return peer
}

func TestCatalogService_UpsertProducer(t *testing.T) {
	svc := newCatalog(t)
	ctx := context.Background()

	if err := svc.UpsertProducer(ctx, "producer_1", testPeer(1, "car"), domain.MediaKindVideo, "video-camera"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	onAir, err := svc.ListOnAir(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(onAir) != 1 {
		t.Fatalf("expected one on-air source, got %d", len(onAir))
	}
	source := onAir[0]
	if source.ExternalID != "producer_1" || source.Kind != domain.SourceKindCamera || !source.OnAir {
		t.Fatalf("unexpected source: %+v", source)
	}
	if source.Title != "car (video-camera)" {
		t.Fatalf("unexpected title: %s", source.Title)
	}
}

func TestCatalogService_SourceKindFromAppTag(t *testing.T) {
	tests := []struct {
		appTag string
		kind   domain.MediaKind
		want   domain.SourceKind
	}{
		{appTag: "video-camera", kind: domain.MediaKindVideo, want: domain.SourceKindCamera},
		{appTag: "screen-share", kind: domain.MediaKindVideo, want: domain.SourceKindScreen},
		{appTag: "audio-mic", kind: domain.MediaKindAudio, want: domain.SourceKindAudio},
		{appTag: "", kind: domain.MediaKindVideo, want: domain.SourceKindCamera},
	}

	for _, tt := range tests {
		if got := domain.SourceKindFromAppTag(tt.appTag, tt.kind); got != tt.want {
			t.Errorf("SourceKindFromAppTag(%q, %s) = %s, want %s", tt.appTag, tt.kind, got, tt.want)
		}
	}
}

func TestCatalogService_MarkOffAir(t *testing.T) {
	svc := newCatalog(t)
	ctx := context.Background()

	if err := svc.UpsertProducer(ctx, "producer_1", testPeer(1, "car"), domain.MediaKindVideo, "video-camera"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := svc.MarkOffAir(ctx, "producer_1"); err != nil {
		t.Fatalf("off-air failed: %v", err)
	}

	onAir, _ := svc.ListOnAir(ctx)
	if len(onAir) != 0 {
		t.Fatalf("expected no on-air sources, got %d", len(onAir))
	}

	// Off-airing an unknown source is a no-op, not an error.
	if err := svc.MarkOffAir(ctx, "never-existed"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestCatalogService_DropOwner(t *testing.T) {
	svc := newCatalog(t)
	ctx := context.Background()

	svc.UpsertProducer(ctx, "producer_1", testPeer(1, "car"), domain.MediaKindVideo, "video-camera")
	svc.UpsertProducer(ctx, "producer_2", testPeer(1, "car"), domain.MediaKindAudio, "audio-mic")
	svc.UpsertProducer(ctx, "producer_3", testPeer(2, "other"), domain.MediaKindVideo, "video-camera")

	if err := svc.DropOwner(ctx, 1); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	onAir, _ := svc.ListOnAir(ctx)
	if len(onAir) != 1 {
		t.Fatalf("expected only the other owner's source, got %d", len(onAir))
	}
	if onAir[0].OwnerUserID != 2 {
		t.Fatalf("wrong survivor: %+v", onAir[0])
	}
}

func TestCatalogService_UpsertStream(t *testing.T) {
	svc := newCatalog(t)
	ctx := context.Background()

	if err := svc.UpsertStream(ctx, "stream_abc", testPeer(1, "car"), domain.SourceKindScreen, "Dashboard"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	onAir, _ := svc.ListOnAir(ctx)
	if len(onAir) != 1 || onAir[0].Title != "Dashboard" || onAir[0].Kind != domain.SourceKindScreen {
		t.Fatalf("unexpected sources: %+v", onAir)
	}

	// Same external id updates in place.
	if err := svc.UpsertStream(ctx, "stream_abc", testPeer(1, "car"), domain.SourceKindScreen, "Dashboard v2"); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	onAir, _ = svc.ListOnAir(ctx)
	if len(onAir) != 1 || onAir[0].Title != "Dashboard v2" {
		t.Fatalf("expected in-place update, got %+v", onAir)
	}
}
