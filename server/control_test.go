package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"

	. "github.com/illumidesk/ltihub/types"
)

func newTestStore(t *testing.T) *ControlFileStore {
	t.Helper()
	reg := newStoreRegistry(t.TempDir())
	store, err := reg.forCourse("intro101")
	if err != nil {
		t.Fatalf("forCourse: %v", err)
	}
	return store
}

func TestControlFileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.RegisterData("lab1", "https://lms/outcome", "lms-user-1", "sourced-1"); err != nil {
		t.Fatalf("RegisterData: %v", err)
	}
	if err := store.RegisterData("lab1", "https://lms/outcome", "lms-user-2", "sourced-2"); err != nil {
		t.Fatalf("RegisterData: %v", err)
	}

	record, ok := store.GetAssignmentByName("lab1")
	if !ok {
		t.Fatalf("lab1 not found after registration")
	}
	if record.OutcomeURL != "https://lms/outcome" {
		t.Errorf("outcome URL = %q", record.OutcomeURL)
	}
	if len(record.Students) != 2 {
		t.Fatalf("expected 2 students, got %d", len(record.Students))
	}

	// a second store instance reads the same file from scratch
	fresh := &ControlFileStore{courseID: store.courseID, dir: store.dir, path: store.path}
	record, ok = fresh.GetAssignmentByName("lab1")
	if !ok || len(record.Students) != 2 {
		t.Errorf("fresh store did not read the registered data")
	}

	// the on-disk document uses the agreed field names
	raw, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("reading control file: %v", err)
	}
	for _, field := range []string{"lis_outcome_service_url", "lis_result_sourcedid", "lms_user_id"} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("control file missing field %q: %s", field, raw)
		}
	}
}

func TestControlFileIdempotence(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := store.RegisterData("lab1", "https://lms/outcome", "lms-user-1", "sourced-1"); err != nil {
			t.Fatalf("RegisterData: %v", err)
		}
	}
	record, _ := store.GetAssignmentByName("lab1")
	if len(record.Students) != 1 {
		t.Errorf("repeated registration added students: %d", len(record.Students))
	}

	// a changed sourcedid replaces the old one
	if err := store.RegisterData("lab1", "https://lms/outcome", "lms-user-1", "sourced-9"); err != nil {
		t.Fatalf("RegisterData: %v", err)
	}
	record, _ = store.GetAssignmentByName("lab1")
	if len(record.Students) != 1 || record.Students[0].ResultSourcedID != "sourced-9" {
		t.Errorf("sourcedid was not refreshed: %+v", record.Students[0])
	}
}

func TestControlFileLineItems(t *testing.T) {
	store := newTestStore(t)

	if err := store.RegisterLineItem("lab1", "https://lms/lineitems/7", "https://lms/lineitems", "lms-user-1"); err != nil {
		t.Fatalf("RegisterLineItem: %v", err)
	}
	record, ok := store.GetAssignmentByName("lab1")
	if !ok {
		t.Fatalf("lab1 not found after registration")
	}
	if record.LineItem != "https://lms/lineitems/7" {
		t.Errorf("line item = %q", record.LineItem)
	}
	if record.OutcomeURL != "https://lms/lineitems" {
		t.Errorf("line items collection = %q", record.OutcomeURL)
	}
	if len(record.Students) != 1 || record.Students[0].LMSUserID != "lms-user-1" {
		t.Errorf("student not registered: %+v", record.Students)
	}
}

func TestControlFileConcurrentRegistration(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if err := store.RegisterData("lab1", "https://lms/outcome", "user-"+id, "sourced-"+id); err != nil {
				t.Errorf("RegisterData: %v", err)
			}
		}(i)
	}
	wg.Wait()

	record, _ := store.GetAssignmentByName("lab1")
	if len(record.Students) != 8 {
		t.Errorf("expected 8 students after concurrent registration, got %d", len(record.Students))
	}
}

func TestControlFileMissingAndEmpty(t *testing.T) {
	store := newTestStore(t)

	// missing file reads as empty
	if _, ok := store.GetAssignmentByName("lab1"); ok {
		t.Errorf("found an assignment in an empty store")
	}
	// and the file now exists as an empty document
	raw, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("control file was not initialized: %v", err)
	}
	parsed := make(ControlFile)
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed) != 0 {
		t.Errorf("initialized file is not an empty document: %s", raw)
	}
}

func TestControlFileFirstLoadHoldsHostLock(t *testing.T) {
	store := newTestStore(t)

	// stand in for another process holding the course lock
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    lockName(store.courseID),
		Clock:   clock.WallClock,
		Delay:   25 * time.Millisecond,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("acquiring host lock: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.GetAssignmentByName("lab1")
	}()

	// the first load initializes the file on disk, so it must wait for
	// the lock rather than write underneath the other holder
	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(store.path); !os.IsNotExist(err) {
		releaser.Release()
		t.Fatalf("control file was initialized while the host lock was held elsewhere")
	}
	releaser.Release()
	<-done

	if _, err := os.Stat(store.path); err != nil {
		t.Errorf("control file was not initialized once the lock was free: %v", err)
	}
}

func TestControlFileCorruptionRecovery(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	// registration still works: the corrupt file is set aside
	if err := store.RegisterData("lab1", "https://lms/outcome", "lms-user-1", "sourced-1"); err != nil {
		t.Fatalf("RegisterData after corruption: %v", err)
	}
	if _, ok := store.GetAssignmentByName("lab1"); !ok {
		t.Errorf("registration after corruption was lost")
	}

	matches, err := filepath.Glob(store.path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Errorf("corrupt file was not set aside: %v %v", matches, err)
	}
}
