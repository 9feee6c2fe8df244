package io

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyverse/imageloader/utils"
	lrucache "github.com/hashicorp/golang-lru"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	journalFileName  string = "journal"
	tempFileSuffix   string = ".tmp"
	versionDirPrefix string = "v"
)

var (
	ErrDiskCacheClosed  = xerrors.New("disk cache is closed")
	ErrDiskCacheEditing = xerrors.New("disk cache entry is being edited")
)

type DiskCacheEntry struct {
	key          string
	size         int64
	creationTime time.Time
	filePath     string
}

func (entry *DiskCacheEntry) GetKey() string {
	return entry.key
}

func (entry *DiskCacheEntry) GetSize() int64 {
	return entry.size
}

func (entry *DiskCacheEntry) GetCreationTime() time.Time {
	return entry.creationTime
}

func (entry *DiskCacheEntry) GetFilePath() string {
	return entry.filePath
}

func (entry *DiskCacheEntry) GetData() ([]byte, error) {
	data, err := os.ReadFile(entry.filePath)
	if err != nil {
		return nil, xerrors.Errorf("failed to read cache file %q: %w", entry.filePath, err)
	}

	return data, nil
}

func (entry *DiskCacheEntry) deleteDataFile() error {
	err := os.Remove(entry.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// DiskCache is a size bounded LRU store of files under a version directory
type DiskCache struct {
	sizeCap   int64
	totalSize int64
	version   int
	rootPath  string
	cache     *lrucache.Cache
	editing   map[string]bool
	closed    bool
	mutex     sync.Mutex
}

// NewDiskCache opens the store at <rootPath>/v<version>.
// Directories of other versions are removed.
func NewDiskCache(rootPath string, version int, sizeCap int64) (*DiskCache, error) {
	logger := log.WithFields(log.Fields{
		"package":  "io",
		"function": "NewDiskCache",
	})

	versionPath := filepath.Join(rootPath, fmt.Sprintf("%s%d", versionDirPrefix, version))
	err := os.MkdirAll(versionPath, 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to make disk cache dir %q: %w", versionPath, err)
	}

	err = removeOtherVersions(rootPath, version)
	if err != nil {
		logger.WithError(err).Warnf("failed to remove stale versions under %q", rootPath)
	}

	diskCache := &DiskCache{
		sizeCap:   sizeCap,
		totalSize: 0,
		version:   version,
		rootPath:  versionPath,
		cache:     nil,
		editing:   map[string]bool{},
		closed:    false,
	}

	lruCache, err := lrucache.NewWithEvict(math.MaxInt32, diskCache.onEvicted)
	if err != nil {
		return nil, err
	}

	diskCache.cache = lruCache

	err = diskCache.load()
	if err != nil {
		return nil, err
	}

	diskCache.mutex.Lock()
	diskCache.trim()
	diskCache.mutex.Unlock()

	logger.Infof("Opened disk cache %q, %d entries, %d/%d bytes", versionPath, diskCache.cache.Len(), diskCache.totalSize, sizeCap)
	return diskCache, nil
}

func removeOtherVersions(rootPath string, version int) error {
	dirEntries, err := os.ReadDir(rootPath)
	if err != nil {
		return err
	}

	current := fmt.Sprintf("%s%d", versionDirPrefix, version)
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || dirEntry.Name() == current || !strings.HasPrefix(dirEntry.Name(), versionDirPrefix) {
			continue
		}

		err = os.RemoveAll(filepath.Join(rootPath, dirEntry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

// load restores entries, in journal order first, then by modification time
func (cache *DiskCache) load() error {
	type fileInfo struct {
		key     string
		path    string
		size    int64
		modTime time.Time
	}

	files := map[string]*fileInfo{}
	err := filepath.WalkDir(cache.rootPath, func(path string, dirEntry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if dirEntry.IsDir() || dirEntry.Name() == journalFileName {
			return nil
		}

		if strings.HasSuffix(dirEntry.Name(), tempFileSuffix) {
			// leftover of an interrupted edit
			os.Remove(path)
			return nil
		}

		info, err := dirEntry.Info()
		if err != nil {
			return err
		}

		files[dirEntry.Name()] = &fileInfo{
			key:     dirEntry.Name(),
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to scan disk cache dir %q: %w", cache.rootPath, err)
	}

	ordered := []*fileInfo{}
	for _, key := range cache.readJournal() {
		if file, ok := files[key]; ok {
			ordered = append(ordered, file)
			delete(files, key)
		}
	}

	rest := []*fileInfo{}
	for _, file := range files {
		rest = append(rest, file)
	}

	sort.Slice(rest, func(i int, j int) bool {
		return rest[i].modTime.Before(rest[j].modTime)
	})

	// journal holds the most recent order, unjournaled files are older
	ordered = append(rest, ordered...)

	for _, file := range ordered {
		cache.cache.Add(file.key, &DiskCacheEntry{
			key:          file.key,
			size:         file.size,
			creationTime: file.modTime,
			filePath:     file.path,
		})
		cache.totalSize += file.size
	}
	return nil
}

func (cache *DiskCache) readJournal() []string {
	journal, err := os.Open(filepath.Join(cache.rootPath, journalFileName))
	if err != nil {
		return []string{}
	}
	defer journal.Close()

	keys := []string{}
	scanner := bufio.NewScanner(journal)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if len(key) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

func (cache *DiskCache) onEvicted(key interface{}, entry interface{}) {
	logger := log.WithFields(log.Fields{
		"package":  "io",
		"struct":   "DiskCache",
		"function": "onEvicted",
	})

	if diskCacheEntry, ok := entry.(*DiskCacheEntry); ok {
		cache.totalSize -= diskCacheEntry.size
		if cache.totalSize < 0 {
			cache.totalSize = 0
		}

		err := diskCacheEntry.deleteDataFile()
		if err != nil {
			logger.WithError(err).Errorf("failed to delete cache file %q", diskCacheEntry.filePath)
		}
	}
}

// trim evicts least recently used entries until the store fits its size cap
func (cache *DiskCache) trim() {
	for cache.totalSize > cache.sizeCap {
		_, _, ok := cache.cache.RemoveOldest()
		if !ok {
			return
		}
	}
}

func (cache *DiskCache) GetSizeCap() int64 {
	return cache.sizeCap
}

func (cache *DiskCache) GetVersion() int {
	return cache.version
}

func (cache *DiskCache) GetRootPath() string {
	return cache.rootPath
}

func (cache *DiskCache) GetTotalEntries() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.cache.Len()
}

func (cache *DiskCache) GetTotalEntrySize() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.totalSize
}

func (cache *DiskCache) GetEntryKeys() []string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	keys := []string{}
	for _, key := range cache.cache.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

func (cache *DiskCache) IsClosed() bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.closed
}

// GetEntry returns the entry and refreshes its recency
func (cache *DiskCache) GetEntry(key string) (*DiskCacheEntry, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return nil, ErrDiskCacheClosed
	}

	entry, ok := cache.cache.Get(key)
	if !ok {
		return nil, nil
	}

	diskCacheEntry := entry.(*DiskCacheEntry)
	_, err := os.Stat(diskCacheEntry.filePath)
	if err != nil {
		// removed behind our back
		cache.cache.Remove(key)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Errorf("failed to stat cache file %q: %w", diskCacheEntry.filePath, err)
	}

	return diskCacheEntry, nil
}

func (cache *DiskCache) HasEntry(key string) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return !cache.closed && cache.cache.Contains(key)
}

func (cache *DiskCache) DeleteEntry(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return
	}

	cache.cache.Remove(key)
}

// DeleteAllEntries removes every entry and its file
func (cache *DiskCache) DeleteAllEntries() error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return ErrDiskCacheClosed
	}

	cache.cache.Purge()
	cache.totalSize = 0

	err := os.Remove(filepath.Join(cache.rootPath, journalFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// Edit starts writing an entry. Only one editor per key may be open at a time.
func (cache *DiskCache) Edit(key string) (*DiskCacheEditor, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return nil, ErrDiskCacheClosed
	}

	if cache.editing[key] {
		return nil, xerrors.Errorf("failed to edit entry %q: %w", key, ErrDiskCacheEditing)
	}

	finalPath := utils.MakeShardedPath(cache.rootPath, key)
	err := os.MkdirAll(filepath.Dir(finalPath), 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to make dir for %q: %w", finalPath, err)
	}

	tempPath := fmt.Sprintf("%s.%s%s", finalPath, xid.New().String(), tempFileSuffix)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, xerrors.Errorf("failed to create temp file %q: %w", tempPath, err)
	}

	cache.editing[key] = true

	return &DiskCacheEditor{
		cache:     cache,
		key:       key,
		file:      file,
		tempPath:  tempPath,
		finalPath: finalPath,
	}, nil
}

func (cache *DiskCache) commit(editor *DiskCacheEditor, size int64) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	delete(cache.editing, editor.key)

	if cache.closed {
		os.Remove(editor.tempPath)
		return ErrDiskCacheClosed
	}

	// drop the old file first, eviction deletes by path
	cache.cache.Remove(editor.key)

	err := os.Rename(editor.tempPath, editor.finalPath)
	if err != nil {
		os.Remove(editor.tempPath)
		return xerrors.Errorf("failed to rename %q to %q: %w", editor.tempPath, editor.finalPath, err)
	}

	cache.cache.Add(editor.key, &DiskCacheEntry{
		key:          editor.key,
		size:         size,
		creationTime: time.Now(),
		filePath:     editor.finalPath,
	})
	cache.totalSize += size

	cache.trim()
	return nil
}

func (cache *DiskCache) abort(editor *DiskCacheEditor) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	delete(cache.editing, editor.key)
	os.Remove(editor.tempPath)
}

// Flush writes the recency order to the journal
func (cache *DiskCache) Flush() error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return ErrDiskCacheClosed
	}

	return cache.writeJournal()
}

func (cache *DiskCache) writeJournal() error {
	journalPath := filepath.Join(cache.rootPath, journalFileName)
	tempPath := journalPath + tempFileSuffix

	journal, err := os.Create(tempPath)
	if err != nil {
		return xerrors.Errorf("failed to create journal %q: %w", tempPath, err)
	}

	writer := bufio.NewWriter(journal)
	for _, key := range cache.cache.Keys() {
		if strkey, ok := key.(string); ok {
			writer.WriteString(strkey)
			writer.WriteString("\n")
		}
	}

	err = writer.Flush()
	if err != nil {
		journal.Close()
		return xerrors.Errorf("failed to write journal %q: %w", tempPath, err)
	}

	err = journal.Close()
	if err != nil {
		return xerrors.Errorf("failed to close journal %q: %w", tempPath, err)
	}

	err = os.Rename(tempPath, journalPath)
	if err != nil {
		return xerrors.Errorf("failed to rename journal %q: %w", tempPath, err)
	}
	return nil
}

// Close flushes the journal and closes the store. Files are kept.
func (cache *DiskCache) Close() error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.closed {
		return nil
	}

	err := cache.writeJournal()
	cache.closed = true
	return err
}

// DiskCacheEditor writes one entry into a temp file, published on Commit
type DiskCacheEditor struct {
	cache     *DiskCache
	key       string
	file      *os.File
	tempPath  string
	finalPath string
	length    int64
	done      bool
	mutex     sync.Mutex
}

func (editor *DiskCacheEditor) GetKey() string {
	return editor.key
}

// GetFilePath returns the path the entry has once committed
func (editor *DiskCacheEditor) GetFilePath() string {
	return editor.finalPath
}

// Write appends data
func (editor *DiskCacheEditor) Write(data []byte) (int, error) {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	n, err := editor.file.WriteAt(data, editor.length)
	editor.length += int64(n)
	return n, err
}

// WriteAt writes data at the offset
func (editor *DiskCacheEditor) WriteAt(data []byte, offset int64) (int, error) {
	n, err := editor.file.WriteAt(data, offset)

	editor.mutex.Lock()
	if offset+int64(n) > editor.length {
		editor.length = offset + int64(n)
	}
	editor.mutex.Unlock()
	return n, err
}

// SetLength sizes the temp file before offset writes
func (editor *DiskCacheEditor) SetLength(length int64) error {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	err := editor.file.Truncate(length)
	if err != nil {
		return xerrors.Errorf("failed to truncate %q: %w", editor.tempPath, err)
	}

	editor.length = length
	return nil
}

func (editor *DiskCacheEditor) GetLength() int64 {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	return editor.length
}

// Commit publishes the entry
func (editor *DiskCacheEditor) Commit() error {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	if editor.done {
		return xerrors.Errorf("editor for %q is already closed", editor.key)
	}
	editor.done = true

	err := editor.file.Sync()
	if err != nil {
		editor.file.Close()
		editor.cache.abort(editor)
		return xerrors.Errorf("failed to sync %q: %w", editor.tempPath, err)
	}

	err = editor.file.Close()
	if err != nil {
		editor.cache.abort(editor)
		return xerrors.Errorf("failed to close %q: %w", editor.tempPath, err)
	}

	return editor.cache.commit(editor, editor.length)
}

// Abort discards the entry, safe to call after Commit
func (editor *DiskCacheEditor) Abort() {
	editor.mutex.Lock()
	defer editor.mutex.Unlock()

	if editor.done {
		return
	}
	editor.done = true

	editor.file.Close()
	editor.cache.abort(editor)
}
