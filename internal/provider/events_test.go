// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEventWireShapes(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"meta", MetaEvent(42), `{"type":"meta","conversation_id":42}`},
		{"content", ContentEvent("hello"), `{"type":"content","delta":"hello"}`},
		{"reasoning", ReasoningEvent("hmm"), `{"type":"reasoning","delta":"hmm"}`},
		{"opaque", OpaqueEvent([]byte(`{"usage":{"total":9}}`)), `{"type":"event","data":{"usage":{"total":9}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpaqueEventCopiesPayload(t *testing.T) {
	raw := []byte(`{"a":1}`)
	ev := OpaqueEvent(raw)
	raw[2] = 'z'

	if string(ev.Data) != `{"a":1}` {
		t.Errorf("opaque payload aliased the caller's buffer: %s", ev.Data)
	}
}

func TestStreamCleanClose(t *testing.T) {
	s := NewStream(4)
	ctx := context.Background()

	go func() {
		s.Send(ctx, ContentEvent("a"))
		s.Send(ctx, ContentEvent("b"))
		s.Close(nil)
	}()

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if s.Err() != nil {
		t.Errorf("clean stream should end with nil error, got %v", s.Err())
	}
}

func TestStreamErrorVisibleAfterDrain(t *testing.T) {
	want := errors.New("upstream hiccup")
	s := NewStream(1)

	go func() {
		s.Send(context.Background(), ContentEvent("partial"))
		s.Close(want)
	}()

	for range s.Events() {
	}
	if !errors.Is(s.Err(), want) {
		t.Errorf("Err() = %v, want %v", s.Err(), want)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(0)
	first := errors.New("first")
	s.Close(first)
	s.Close(errors.New("second"))

	if !errors.Is(s.Err(), first) {
		t.Errorf("second Close must not overwrite the recorded error")
	}
}

func TestStreamSendHonorsCancellation(t *testing.T) {
	s := NewStream(0) // unbuffered, no consumer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() {
		done <- s.Send(ctx, ContentEvent("stuck"))
	}()

	select {
	case ok := <-done:
		if ok {
			t.Error("Send should report false on cancelled context")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked despite cancelled context")
	}
}
