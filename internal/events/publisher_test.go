package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
)

func TestNewPublisher_DisabledReturnsNil(t *testing.T) {
	p, err := NewPublisher(config.EventsConfig{Enabled: false}, "gw-1", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("disabled events should yield a nil publisher")
	}
}

func TestNilPublisher_Noops(t *testing.T) {
	var p *Publisher
	p.PublishTransfer(context.Background(), TransferEvent{StudyUID: "1.2.3"})
	p.Close()
}

func TestTransferEvent_JSONShape(t *testing.T) {
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	ev := TransferEvent{
		TransferID: "8f14e45f-ecab-4c2d-9f6e-000000000001",
		InstanceID: "gw-1",
		Route:      "GATE",
		StudyUID:   "1.2.3",
		CallingAE:  "MODALITY1",
		State:      "partial",
		FileCount:  120,
		Bytes:      1 << 20,
		StartedAt:  started,
		FinishedAt: started.Add(45 * time.Second),
		DurationMS: 45000,
		Destinations: []DestinationOutcome{
			{Name: "pacs", State: "success", Attempts: 1, FilesTransferred: 120, Bytes: 1 << 20},
			{Name: "research", State: "failed", Attempts: 4, Error: "status 502"},
		},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"transferId", "instanceId", "route", "studyUid", "callingAe",
		"state", "fileCount", "bytes", "startedAt", "finishedAt", "durationMs", "destinations"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	dests := m["destinations"].([]any)
	if len(dests) != 2 {
		t.Fatalf("destinations = %v", dests)
	}
	first := dests[0].(map[string]any)
	if first["name"] != "pacs" || first["filesTransferred"] != float64(120) {
		t.Errorf("destination entry = %v", first)
	}
	second := dests[1].(map[string]any)
	if second["error"] != "status 502" {
		t.Errorf("destination error = %v", second["error"])
	}
	if _, ok := second["bytes"]; ok {
		t.Error("zero bytes should be omitted")
	}
}

func TestTransferEvent_OmitsEmptyCallingAE(t *testing.T) {
	data, err := json.Marshal(TransferEvent{StudyUID: "1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["callingAe"]; ok {
		t.Error("empty callingAe should be omitted")
	}
}
