package strata

import (
	"fmt"
	"testing"
)

func mustOpen(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// S1: empty store.
func TestEmptyStore(t *testing.T) {
	s := mustOpen(t, t.TempDir(), Options{})
	defer s.Close()

	if _, found, err := s.Get([]byte("k")); err != nil || found {
		t.Fatalf("expected absent key in an empty store, found=%v err=%v", found, err)
	}
}

// S2: basic overwrite/delete.
func TestBasicOverwriteAndDelete(t *testing.T) {
	s := mustOpen(t, t.TempDir(), Options{})
	defer s.Close()

	if err := s.Put([]byte("key2"), []byte("val2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("key2"), []byte("val2updated")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Del([]byte("key1")); err != nil {
		t.Fatalf("Del: %v", err)
	}

	if _, found, err := s.Get([]byte("key1")); err != nil || found {
		t.Fatalf("expected key1 absent, found=%v err=%v", found, err)
	}
	v, found, err := s.Get([]byte("key2"))
	if err != nil || !found {
		t.Fatalf("expected key2 present, found=%v err=%v", found, err)
	}
	if string(v) != "val2updated" {
		t.Fatalf("expected val2updated, got %q", v)
	}
}

// S3: reopen persistence.
func TestReopenPersistence(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, Options{})

	if err := s.Put([]byte("key2"), []byte("val2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("key2"), []byte("val2updated")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Del([]byte("key1")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := mustOpen(t, dir, Options{})
	defer s2.Close()

	if _, found, err := s2.Get([]byte("key1")); err != nil || found {
		t.Fatalf("expected key1 absent after reopen, found=%v err=%v", found, err)
	}
	v, found, err := s2.Get([]byte("key2"))
	if err != nil || !found || string(v) != "val2updated" {
		t.Fatalf("expected key2=val2updated after reopen, got value=%q found=%v err=%v", v, found, err)
	}
}

// P1: read-your-writes across an interleaved sequence of puts and dels.
func TestReadYourWrites(t *testing.T) {
	s := mustOpen(t, t.TempDir(), Options{})
	defer s.Close()

	key := []byte("k")
	ops := []struct {
		put   bool
		value string
	}{
		{true, "v1"}, {true, "v2"}, {false, ""}, {true, "v3"}, {true, "v4"}, {false, ""},
	}
	var expectPresent bool
	var expectValue string
	for _, op := range ops {
		if op.put {
			if err := s.Put(key, []byte(op.value)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			expectPresent, expectValue = true, op.value
		} else {
			if err := s.Del(key); err != nil {
				t.Fatalf("Del: %v", err)
			}
			expectPresent = false
		}
		v, found, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if found != expectPresent {
			t.Fatalf("found=%v want=%v", found, expectPresent)
		}
		if expectPresent && string(v) != expectValue {
			t.Fatalf("value=%q want=%q", v, expectValue)
		}
	}
}

// P2: crash recovery via reopen without a clean close, simulating a
// crash that leaves state only in the WAL.
func TestCrashRecoveryViaReopen(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, Options{})

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if err := s.Put(key, []byte(fmt.Sprintf("value-%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Del([]byte("key-010")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	// No Close: every write is already durable via the fsynced WAL.

	s2 := mustOpen(t, dir, Options{})
	defer s2.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		v, found, err := s2.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if i == 10 {
			if found {
				t.Fatalf("expected key-010 to be deleted after recovery")
			}
			continue
		}
		if !found || string(v) != fmt.Sprintf("value-%03d", i) {
			t.Fatalf("key %s: found=%v value=%q", key, found, v)
		}
	}
}

// S5: flush triggered by WAL size.
func TestFlushTriggeredByWALSize(t *testing.T) {
	dir := t.TempDir()
	// A high Level0FileLimit keeps compaction from folding the flushed
	// level-0 tables into level 1 before they are counted.
	s := mustOpen(t, dir, Options{WalSizeLimit: 64, Level0FileLimit: 100})
	defer s.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if err := s.Put(key, []byte("some-value-long-enough-to-add-up")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if s.catalog.Level0Count() == 0 {
		t.Fatal("expected at least one level-0 table after exceeding the wal size limit")
	}
	if s.wal.Size() >= 64*20 {
		t.Fatalf("expected the wal to have been truncated by an implicit flush, size=%d", s.wal.Size())
	}
}

// S6: compaction triggered at threshold.
func TestCompactionTriggeredAtThreshold(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, Options{WalSizeLimit: 1, Level0FileLimit: 3})
	defer s.Close()

	for i := 0; i < 4; i++ {
		key := []byte(fmt.Sprintf("flush-%d", i))
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	if s.catalog.Level0Count() > 1 {
		t.Fatalf("expected level-0 count <= 1 after the fourth flush, got %d", s.catalog.Level0Count())
	}
	if len(s.catalog.Level(1)) == 0 {
		t.Fatal("expected level-1 tables to exist after compaction")
	}

	for i := 0; i < 4; i++ {
		key := []byte(fmt.Sprintf("flush-%d", i))
		if _, found, err := s.Get(key); err != nil || !found {
			t.Fatalf("expected %s to remain durable, found=%v err=%v", key, found, err)
		}
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := mustOpen(t, t.TempDir(), Options{})
	defer s.Close()

	key := []byte("shared")
	if err := s.Put(key, []byte("seed")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if err := s.Put(key, []byte(fmt.Sprintf("v%d", i))); err != nil {
				t.Errorf("Put: %v", err)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if _, found, err := s.Get(key); err != nil || !found {
			t.Errorf("Get during concurrent writes: found=%v err=%v", found, err)
		}
	}
	<-done
}
