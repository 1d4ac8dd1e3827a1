package chunks

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/stream"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func container(n int, fill byte) []byte {
	return audio.Encode(testFormat, bytes.Repeat([]byte{fill}, n))
}

func TestAssembler_OutOfOrderChunks(t *testing.T) {
	a := NewAssembler(zerolog.Nop())
	a.ApplyAll([]stream.Event{
		stream.ChunkEvent{Index: 2, Total: 3, Audio: container(30, 3)},
		stream.ChunkEvent{Index: 0, Total: 3, Audio: container(10, 1)},
		stream.ChunkEvent{Index: 1, Total: 3, Audio: container(20, 2)},
		stream.CompleteEvent{},
	})

	if !a.Done() {
		t.Fatal("Expected assembler to be done")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if a.Total() != 3 {
		t.Errorf("Expected total 3, got %d", a.Total())
	}

	records := a.Records()
	for i, r := range records {
		if r.Index != i {
			t.Errorf("Expected record %d at position %d, got %d", i, i, r.Index)
		}
		if r.ReceivedAt.IsZero() {
			t.Errorf("Expected record %d to carry a receive time", i)
		}
	}

	merged, err := a.Merge(audio.MergeOptions{})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	payload, _, err := audio.Payload(merged)
	if err != nil {
		t.Fatalf("Merged container invalid: %v", err)
	}
	if len(payload) != 60 || payload[0] != 1 || payload[10] != 2 || payload[30] != 3 {
		t.Error("Expected payloads merged in index order")
	}
}

func TestAssembler_ChunkParts(t *testing.T) {
	full := container(100, 7)
	a := NewAssembler(zerolog.Nop())

	// Parts may arrive in any order; the chunk is stored once all are present
	a.Apply(stream.ChunkPartEvent{Index: 0, Part: 2, IsLastPart: true, Data: full[80:]})
	a.Apply(stream.ChunkPartEvent{Index: 0, Part: 0, Data: full[:40]})
	if a.Len() != 0 {
		t.Fatal("Expected no record before every part arrived")
	}
	a.Apply(stream.ChunkPartEvent{Index: 0, Part: 1, Data: full[40:80]})

	if a.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", a.Len())
	}
	if !bytes.Equal(a.Containers()[0], full) {
		t.Error("Expected fragments concatenated by part ordinal")
	}
}

func TestAssembler_DropsInvalidContainers(t *testing.T) {
	a := NewAssembler(zerolog.Nop())
	a.ApplyAll([]stream.Event{
		stream.ChunkEvent{Index: 0, Total: 2, Audio: []byte("not a container")},
		stream.ChunkPartEvent{Index: 1, Part: 0, Data: container(10, 1)[:20]},
		stream.CompleteEvent{},
	})

	if a.Dropped() != 2 {
		t.Errorf("Expected 2 dropped chunks, got %d", a.Dropped())
	}
	if missing := a.Missing(); len(missing) != 2 {
		t.Errorf("Expected 2 missing indices, got %v", missing)
	}
	if _, err := a.Merge(audio.MergeOptions{}); !errors.Is(err, ErrNoChunks) {
		t.Errorf("Expected ErrNoChunks, got %v", err)
	}
}

func TestAssembler_ErrorEvent(t *testing.T) {
	a := NewAssembler(zerolog.Nop())
	a.ApplyAll([]stream.Event{
		stream.ChunkEvent{Index: 0, Audio: container(10, 1)},
		stream.ErrorEvent{Message: "quota exceeded"},
		stream.ChunkEvent{Index: 1, Audio: container(10, 2)},
	})

	err := a.Err()
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	if a.Len() != 1 {
		t.Errorf("Expected events after the terminal event to be ignored, got %d records", a.Len())
	}
}

func TestAssembler_Incomplete(t *testing.T) {
	a := NewAssembler(zerolog.Nop())
	a.Apply(stream.ChunkEvent{Index: 0, Audio: container(10, 1)})

	if !errors.Is(a.Err(), ErrIncomplete) {
		t.Errorf("Expected ErrIncomplete, got %v", a.Err())
	}
}

func TestAssembler_DuplicateIndexKeepsLater(t *testing.T) {
	a := NewAssembler(zerolog.Nop())
	a.Apply(stream.ChunkEvent{Index: 0, Audio: container(10, 1)})
	a.Apply(stream.ChunkEvent{Index: 0, Audio: container(10, 9)})

	if a.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", a.Len())
	}
	payload, _, _ := audio.Payload(a.Containers()[0])
	if payload[0] != 9 {
		t.Error("Expected the later record to replace the earlier one")
	}
}
