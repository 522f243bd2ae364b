package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"applymatic/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const countersBucket = "CampaignCounters"

// FileArtifact is one uploaded file buffered in memory, ready to persist or
// attach. Uploads are capped well below anything that needs streaming.
type FileArtifact struct {
	Filename string
	Data     []byte
}

// CampaignStorage persists campaign submissions under the storage root:
//
//	<root>/companies/<sha256><ext>                      content-addressed pool
//	<root>/campaigns/<base>_<N>/subject.txt             one folder per submission
//	                            coverletter.txt
//	                            resume<ext>
//	                            attachment_<i><ext>
//	<root>/tmp/<uuid><ext>                              transient parse buffers
//
// Folder ordinals come from a per-base counter in bbolt so numbering stays
// monotonic even after old folders are deleted. The counter is seeded from a
// directory scan the first time a base name shows up, which keeps the history
// of trees created before the counter existed.
type CampaignStorage struct {
	root string
	db   *bbolt.DB
}

// NewCampaignStorage creates the storage layout under root.
func NewCampaignStorage(root string, db *bbolt.DB) (*CampaignStorage, error) {
	for _, dir := range []string{"companies", "campaigns", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %v", dir, err)
		}
	}

	return &CampaignStorage{root: root, db: db}, nil
}

// StoreCompaniesFile writes a companies file into the shared pool, keyed by
// the SHA-256 of its content. Byte-identical uploads land on the same name,
// so a second write is a no-op and a concurrent duplicate write produces the
// same bytes either way. Returns the pool filename.
func (s *CampaignStorage) StoreCompaniesFile(data []byte, originalName string) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + filepath.Ext(originalName)
	path := filepath.Join(s.root, "companies", name)

	if _, err := os.Stat(path); err == nil {
		return name, nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write companies file: %v", err)
	}

	return name, nil
}

// AllocateCampaignFolder creates the next campaign folder for a user and
// returns its path. The ordinal is taken from the user's persisted counter
// inside a single bbolt transaction, so concurrent submissions from the same
// user get distinct folders.
func (s *CampaignStorage) AllocateCampaignFolder(user *models.User) (string, error) {
	base := user.CampaignBase()

	var ordinal uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(countersBucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", countersBucket)
		}

		current := readCounter(b.Get([]byte(base)))
		if current == 0 {
			// First allocation for this base: adopt whatever is on disk.
			current = uint64(s.scanMaxOrdinal(base))
		}

		ordinal = current + 1
		return b.Put([]byte(base), writeCounter(ordinal))
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate campaign ordinal: %v", err)
	}

	path := filepath.Join(s.root, "campaigns", fmt.Sprintf("%s_%d", base, ordinal))
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create campaign folder: %v", err)
	}

	return path, nil
}

// PersistCampaign writes the submission's artifacts into an allocated folder.
// Absent optional artifacts are simply not written.
func (s *CampaignStorage) PersistCampaign(folder, subject, coverLetter string, resume *FileArtifact, attachments []FileArtifact) error {
	if subject != "" {
		if err := os.WriteFile(filepath.Join(folder, "subject.txt"), []byte(subject), 0644); err != nil {
			return fmt.Errorf("failed to write subject: %v", err)
		}
	}

	if coverLetter != "" {
		if err := os.WriteFile(filepath.Join(folder, "coverletter.txt"), []byte(coverLetter), 0644); err != nil {
			return fmt.Errorf("failed to write cover letter: %v", err)
		}
	}

	if resume != nil && resume.Filename != "" {
		name := "resume" + filepath.Ext(resume.Filename)
		if err := os.WriteFile(filepath.Join(folder, name), resume.Data, 0644); err != nil {
			return fmt.Errorf("failed to write resume: %v", err)
		}
	}

	for i, att := range attachments {
		if att.Filename == "" {
			continue
		}
		name := fmt.Sprintf("attachment_%d%s", i+1, filepath.Ext(att.Filename))
		if err := os.WriteFile(filepath.Join(folder, name), att.Data, 0644); err != nil {
			return fmt.Errorf("failed to write attachment %d: %v", i+1, err)
		}
	}

	return nil
}

// LatestCampaign returns the path of the user's highest-numbered campaign
// folder, or false if the user has none.
func (s *CampaignStorage) LatestCampaign(user *models.User) (string, bool) {
	base := user.CampaignBase()

	highest := 0
	latest := ""
	for _, entry := range s.listCampaignFolders(base) {
		if n := trailingOrdinal(entry); n > highest {
			highest = n
			latest = filepath.Join(s.root, "campaigns", entry)
		}
	}

	return latest, latest != ""
}

// LoadDefaults reads back the reusable pieces of a stored campaign. File
// artifacts are enumerated by name only; OpenAssets opens the actual bytes.
func (s *CampaignStorage) LoadDefaults(folder string) (models.CampaignDefaults, error) {
	var defaults models.CampaignDefaults

	if data, err := os.ReadFile(filepath.Join(folder, "subject.txt")); err == nil {
		defaults.Subject = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(folder, "coverletter.txt")); err == nil {
		defaults.CoverLetter = string(data)
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return defaults, fmt.Errorf("failed to read campaign folder: %v", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, "resume"):
			defaults.ResumeFilename = name
		case strings.HasPrefix(name, "attachment_"):
			defaults.AttachmentCount++
		}
	}

	return defaults, nil
}

// CampaignAssets holds open handles on a stored campaign's resume and
// attachments, reused when a new submission omits them. Callers must Close
// once dispatch completes, on every exit path.
type CampaignAssets struct {
	Resume      *os.File
	Attachments []*os.File
}

// Close releases every open handle. Safe to call on a partially-filled or
// nil receiver.
func (a *CampaignAssets) Close() {
	if a == nil {
		return
	}
	if a.Resume != nil {
		a.Resume.Close()
		a.Resume = nil
	}
	for _, f := range a.Attachments {
		if f != nil {
			f.Close()
		}
	}
	a.Attachments = nil
}

// OpenAssets opens a stored campaign's resume and attachment files for reuse.
// On failure any handle opened so far is released before returning.
func (s *CampaignStorage) OpenAssets(folder string) (*CampaignAssets, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign folder: %v", err)
	}

	assets := &CampaignAssets{}
	var attachmentNames []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, "resume"):
			f, err := os.Open(filepath.Join(folder, name))
			if err != nil {
				assets.Close()
				return nil, fmt.Errorf("failed to open stored resume: %v", err)
			}
			assets.Resume = f
		case strings.HasPrefix(name, "attachment_"):
			attachmentNames = append(attachmentNames, name)
		}
	}

	// attachment_10 sorts before attachment_2 lexically, so order by index
	sort.Slice(attachmentNames, func(i, j int) bool {
		return attachmentIndex(attachmentNames[i]) < attachmentIndex(attachmentNames[j])
	})

	for _, name := range attachmentNames {
		f, err := os.Open(filepath.Join(folder, name))
		if err != nil {
			assets.Close()
			return nil, fmt.Errorf("failed to open stored attachment: %v", err)
		}
		assets.Attachments = append(assets.Attachments, f)
	}

	return assets, nil
}

// BufferTemp writes data to a transient file under the tmp directory and
// returns its path. The caller removes it once parsing is done.
func (s *CampaignStorage) BufferTemp(data []byte, originalName string) (string, error) {
	path := filepath.Join(s.root, "tmp", uuid.New().String()+filepath.Ext(originalName))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to buffer upload: %v", err)
	}
	return path, nil
}

// scanMaxOrdinal returns the highest trailing _N over existing folders for a
// base name, or 0 when none exist.
func (s *CampaignStorage) scanMaxOrdinal(base string) int {
	highest := 0
	for _, entry := range s.listCampaignFolders(base) {
		if n := trailingOrdinal(entry); n > highest {
			highest = n
		}
	}
	return highest
}

// listCampaignFolders returns the folder names under campaigns/ that belong
// to a base name.
func (s *CampaignStorage) listCampaignFolders(base string) []string {
	entries, err := os.ReadDir(filepath.Join(s.root, "campaigns"))
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), base) {
			names = append(names, entry.Name())
		}
	}
	return names
}

// trailingOrdinal parses the _N suffix of a campaign folder name, taken after
// the last underscore. Returns 0 for names whose suffix does not parse, which
// excludes them from scans.
func trailingOrdinal(name string) int {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// attachmentIndex parses the numeric index out of "attachment_<i><ext>".
func attachmentIndex(name string) int {
	trimmed := strings.TrimPrefix(name, "attachment_")
	trimmed = strings.TrimSuffix(trimmed, filepath.Ext(trimmed))
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0
	}
	return n
}

func readCounter(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeCounter(n uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, n)
	return v
}
