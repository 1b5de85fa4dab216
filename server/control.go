package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"

	. "github.com/illumidesk/ltihub/types"
)

// storeRegistry hands out one ControlFileStore per course.
type storeRegistry struct {
	sync.Mutex

	coursesRoot string
	stores      map[string]*ControlFileStore
}

func newStoreRegistry(coursesRoot string) *storeRegistry {
	return &storeRegistry{
		coursesRoot: coursesRoot,
		stores:      make(map[string]*ControlFileStore),
	}
}

func (reg *storeRegistry) forCourse(courseID string) (*ControlFileStore, error) {
	reg.Lock()
	defer reg.Unlock()

	if store, ok := reg.stores[courseID]; ok {
		return store, nil
	}
	dir := filepath.Join(reg.coursesRoot, courseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating course directory %s: %v", dir, err)
	}
	store := &ControlFileStore{
		courseID: courseID,
		dir:      dir,
		path:     filepath.Join(dir, ControlFileName),
	}
	reg.stores[courseID] = store
	return store, nil
}

// ControlFileStore manages the grade passback records for one course.
// Reads come from an in-memory cache loaded on first use; writes take a
// host-wide lock, reload from disk, apply the change, and write the file
// back atomically. Other processes on the machine (notably the exchange
// service that releases grades) share the file through the same lock.
type ControlFileStore struct {
	courseID string
	dir      string
	path     string

	sync.Mutex
	cache  ControlFile
	loaded bool
}

// lockName builds a juju/mutex name for a course. Lock names only allow
// letters, digits, and hyphens, and must stay under 40 characters, so
// course IDs get mangled to fit.
func lockName(courseID string) string {
	name := "ltihub-"
	for _, ch := range courseID {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			name += string(ch)
		default:
			name += "-"
		}
	}
	if len(name) > 39 {
		name = name[:39]
	}
	return name
}

func (store *ControlFileStore) acquireHostLock() (mutex.Releaser, error) {
	return mutex.Acquire(mutex.Spec{
		Name:    lockName(store.courseID),
		Clock:   clock.WallClock,
		Delay:   25 * time.Millisecond,
		Timeout: 10 * time.Second,
	})
}

// loadLocked reads the control file from disk into the cache. The caller
// must hold store.Mutex. A missing or empty file initializes to an empty
// record set; a file that fails to parse is set aside and reinitialized
// so one bad write cannot wedge grade passback for the whole course.
func (store *ControlFileStore) loadLocked() error {
	raw, err := os.ReadFile(store.path)
	if os.IsNotExist(err) || (err == nil && len(raw) == 0) {
		store.cache = make(ControlFile)
		store.loaded = true
		return store.writeLocked()
	}
	if err != nil {
		return fmt.Errorf("reading %s: %v", store.path, err)
	}

	parsed := make(ControlFile)
	if err := json.Unmarshal(raw, &parsed); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", store.path, time.Now().Unix())
		log.Printf("control file %s is corrupt (%v), setting it aside as %s", store.path, err, aside)
		if err := os.Rename(store.path, aside); err != nil {
			return fmt.Errorf("setting aside corrupt control file: %v", err)
		}
		store.cache = make(ControlFile)
		store.loaded = true
		return store.writeLocked()
	}

	store.cache = parsed
	store.loaded = true
	return nil
}

// writeLocked writes the cache to disk via a temp file and rename.
// The caller must hold store.Mutex.
func (store *ControlFileStore) writeLocked() error {
	raw, err := json.MarshalIndent(store.cache, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding control file: %v", err)
	}
	tmp, err := os.CreateTemp(store.dir, ControlFileName+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp control file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp control file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp control file: %v", err)
	}
	if err := os.Rename(tmpName, store.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing control file: %v", err)
	}
	return nil
}

// ensureLoaded populates the cache on first use. The first load can
// initialize a missing file or set aside a corrupt one, both of which
// write to disk, so it takes the same host-wide lock mutations do.
func (store *ControlFileStore) ensureLoaded() error {
	store.Lock()
	loaded := store.loaded
	store.Unlock()
	if loaded {
		return nil
	}

	releaser, err := store.acquireHostLock()
	if err != nil {
		return fmt.Errorf("acquiring control file lock for %s: %v", store.courseID, err)
	}
	defer releaser.Release()

	store.Lock()
	defer store.Unlock()
	if store.loaded {
		return nil
	}
	return store.loadLocked()
}

// RegisterData records an LTI 1.1 grade passback target for a student on
// an assignment. Registering the same student twice is a no-op apart from
// refreshing a changed sourcedid.
func (store *ControlFileStore) RegisterData(assignment, outcomeURL, lmsUserID, resultSourcedID string) error {
	return store.update(func(file ControlFile) {
		record := file[assignment]
		if record == nil {
			record = new(GradeAssignment)
			file[assignment] = record
		}
		record.OutcomeURL = outcomeURL
		for _, student := range record.Students {
			if student.LMSUserID == lmsUserID {
				student.ResultSourcedID = resultSourcedID
				return
			}
		}
		record.Students = append(record.Students, &GradeStudent{
			LMSUserID:       lmsUserID,
			ResultSourcedID: resultSourcedID,
		})
	})
}

// RegisterLineItem records the LTI 1.3 AGS endpoints for an assignment
// and registers the launching student under it. The line items collection
// URL shares the outcome URL slot: only one protocol is ever live for a
// given assignment.
func (store *ControlFileStore) RegisterLineItem(assignment, lineitem, lineitems, lmsUserID string) error {
	return store.update(func(file ControlFile) {
		record := file[assignment]
		if record == nil {
			record = new(GradeAssignment)
			file[assignment] = record
		}
		record.LineItem = lineitem
		record.OutcomeURL = lineitems
		for _, student := range record.Students {
			if student.LMSUserID == lmsUserID {
				return
			}
		}
		record.Students = append(record.Students, &GradeStudent{LMSUserID: lmsUserID})
	})
}

// update applies a mutation under both the in-process mutex and the
// host-wide lock, reloading from disk first so concurrent processes do
// not clobber each other's records.
func (store *ControlFileStore) update(mutate func(ControlFile)) error {
	releaser, err := store.acquireHostLock()
	if err != nil {
		return fmt.Errorf("acquiring control file lock for %s: %v", store.courseID, err)
	}
	defer releaser.Release()

	store.Lock()
	defer store.Unlock()
	if err := store.loadLocked(); err != nil {
		return err
	}
	mutate(store.cache)
	return store.writeLocked()
}

// GetAssignmentByName looks up an assignment's passback record in the
// cache.
func (store *ControlFileStore) GetAssignmentByName(name string) (*GradeAssignment, bool) {
	if err := store.ensureLoaded(); err != nil {
		log.Printf("loading control file for %s: %v", store.courseID, err)
		return nil, false
	}
	store.Lock()
	defer store.Unlock()
	record, ok := store.cache[name]
	return record, ok
}

// Snapshot returns a deep copy of the course's passback records.
func (store *ControlFileStore) Snapshot() ControlFile {
	if err := store.ensureLoaded(); err != nil {
		log.Printf("loading control file for %s: %v", store.courseID, err)
		return make(ControlFile)
	}
	store.Lock()
	defer store.Unlock()

	out := make(ControlFile, len(store.cache))
	for name, record := range store.cache {
		students := make([]*GradeStudent, len(record.Students))
		for i, student := range record.Students {
			copied := *student
			students[i] = &copied
		}
		out[name] = &GradeAssignment{
			OutcomeURL: record.OutcomeURL,
			LineItem:   record.LineItem,
			Students:   students,
		}
	}
	return out
}
