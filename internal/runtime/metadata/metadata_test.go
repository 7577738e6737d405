package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}

	var empty Metadata
	if cloned := empty.Clone(); cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil clone")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if _, ok := base["baz"]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" || enriched["foo"] != "bar" {
		t.Fatalf("unexpected enriched map %#v", enriched)
	}
}

func TestNotificationHeaders(t *testing.T) {
	md := Notification("to-websockets-trades", "7", "2.1.0", 1200, 3)

	if md[KeyPartition] != "7" || md[KeyChannel] != "to-websockets-trades" || md[KeySchemaVersion] != "2.1.0" {
		t.Fatalf("unexpected headers %#v", md)
	}
	if md[KeyOutboxSeq] != "3" {
		t.Fatalf("expected outbox seq header, got %q", md[KeyOutboxSeq])
	}
	h, ok := md.BlockHeight()
	if !ok || h != 1200 {
		t.Fatalf("expected block height 1200, got %d (%v)", h, ok)
	}
}

func TestBlockHeightMissingOrInvalid(t *testing.T) {
	if _, ok := (Metadata{}).BlockHeight(); ok {
		t.Fatal("expected missing header")
	}
	if _, ok := (Metadata{KeyBlockHeight: "x"}).BlockHeight(); ok {
		t.Fatal("expected invalid header")
	}
}

func TestProducedAt(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	md := Metadata{KeyProducedAt: now.Format(time.RFC3339Nano)}
	got, ok := md.ProducedAt()
	if !ok || !got.Equal(now) {
		t.Fatalf("expected %v, got %v (%v)", now, got, ok)
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "ender"}
	wm := ToWatermill(md)
	wm["source"] = "mutation"
	if md["source"] != "ender" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}
	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	roundTrip := FromWatermill(message.Metadata{KeyPartition: "abc"})
	if roundTrip[KeyPartition] != "abc" {
		t.Fatalf("expected watermill metadata to convert back")
	}
}
