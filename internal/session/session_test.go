package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Armin-kho/apk-relay-bot/internal/caption"
)

func TestAddFile_BatchNeverExceedsMax(t *testing.T) {
	s := New()
	s.SelectMethod(MethodTwo)

	for i := 0; i < 10; i++ {
		full := s.AddFile(File{ID: fmt.Sprintf("f%d", i), Name: fmt.Sprintf("app%d.apk", i)})
		if len(s.Files) > MaxBatch {
			t.Fatalf("batch grew to %d", len(s.Files))
		}
		if full != (len(s.Files) == MaxBatch) {
			t.Fatalf("full=%v with %d files", full, len(s.Files))
		}
		for _, f := range s.Files {
			if f.ID == "" || f.Name == "" {
				t.Fatalf("file handle and name drifted: %+v", f)
			}
		}
	}
}

func TestAddFile_KeySetStartsNewBatch(t *testing.T) {
	s := New()
	s.AddFile(File{ID: "a"})
	s.AddFile(File{ID: "b"})
	s.AwaitKey()
	if err := s.SetKey("SECRET"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	s.AddFile(File{ID: "c"})
	if len(s.Files) != 1 || s.Files[0].ID != "c" {
		t.Fatalf("expected fresh batch, got %+v", s.Files)
	}
	if s.Key != "" {
		t.Fatalf("expected key cleared, got %q", s.Key)
	}
}

func TestSetKey_Bounds(t *testing.T) {
	for _, n := range []int{3, 31} {
		s := New()
		s.AwaitKey()
		err := s.SetKey(strings.Repeat("x", n))
		if !errors.Is(err, caption.ErrKeyLength) {
			t.Fatalf("len %d: expected ErrKeyLength, got %v", n, err)
		}
		if s.Step != StepWaitingKey || s.Key != "" {
			t.Fatalf("len %d: rejected key must leave state unchanged: %+v", n, s)
		}
	}
	for _, n := range []int{4, 30} {
		s := New()
		s.AwaitKey()
		if err := s.SetKey(strings.Repeat("x", n)); err != nil {
			t.Fatalf("len %d: %v", n, err)
		}
		if s.Step == StepWaitingKey || s.Key == "" {
			t.Fatalf("len %d: key must be stored and prompt left", n)
		}
	}
}

func TestReset_KeepsStats(t *testing.T) {
	s := New()
	s.Stats.Record(2, MethodTwo, caption.StyleMono, time.Now())
	s.SelectMethod(MethodOne)
	s.AddFile(File{ID: "x"})
	s.Reset()

	if s.Method != MethodNone || len(s.Files) != 0 {
		t.Fatalf("expected fresh session, got %+v", s)
	}
	if s.Stats.APKs != 2 || s.Stats.Keys != 1 {
		t.Fatalf("stats lost on reset: %+v", s.Stats)
	}
}

func TestStats_WindowsResetIndependently(t *testing.T) {
	var st Stats
	now := time.Now()
	st.Record(3, MethodTwo, caption.StyleQuote, now)
	st.Record(1, MethodOne, caption.StyleNormal, now)

	st.ResetWindow(SixHourly)
	if got := st.Window(SixHourly); got != (Counter{}) {
		t.Fatalf("six-hourly not reset: %+v", got)
	}
	if got := st.Window(Monthly); got != (Counter{Keys: 2, APKs: 4}) {
		t.Fatalf("monthly counter wrong: %+v", got)
	}
	if !st.ActiveWithin(SixHourly, now.Add(time.Hour)) {
		t.Fatal("expected active")
	}
	if st.ActiveWithin(SixHourly, now.Add(7*time.Hour)) {
		t.Fatal("expected inactive")
	}
}

func TestSession_JSONUsesNames(t *testing.T) {
	s := New()
	s.SelectMethod(MethodTwo)
	s.Await(StepWaitingDest, 3)

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"status":"waiting_dest"`) || !strings.Contains(string(b), `"current_method":"method2"`) {
		t.Fatalf("unexpected json %s", b)
	}

	var back Session
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Step != StepWaitingDest || back.Setup != 3 || back.Method != MethodTwo {
		t.Fatalf("unexpected session %+v", back)
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := New()
	s.AddFile(File{ID: "a"})
	s.LastPost = &PostRecord{MessageIDs: []int{1}}

	c := s.Clone()
	c.Files[0].ID = "changed"
	c.LastPost.MessageIDs[0] = 99

	if s.Files[0].ID != "a" || s.LastPost.MessageIDs[0] != 1 {
		t.Fatal("clone shares memory with original")
	}
}

func TestFile_SizeLabel(t *testing.T) {
	if got := (File{Size: 50 << 20}).SizeLabel(); got != "50.00 MB" {
		t.Fatalf("got %q", got)
	}
	if got := (File{Size: 2048 << 20}).SizeLabel(); got != "2.00 GB" {
		t.Fatalf("got %q", got)
	}
}
