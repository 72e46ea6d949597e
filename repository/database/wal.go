package database

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
)

type WriteAheadLogConfig struct {
	Dir         string
	MaxFileSize int64
	Prefix      string
}

// WriteAheadLog is a participant journal made of rolling JSON-lines files
// named "<index>_<prefix>_wal". Every append is fsynced.
type WriteAheadLog struct {
	dir         string
	fileList    []string
	activeFile  string
	nextIndex   int
	maxFileSize int64
	prefix      string

	lock sync.Mutex
}

const KiloByte = 1024

func NewFileDatabase(config *WriteAheadLogConfig) (*WriteAheadLog, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create journal directory %s", config.Dir)
	}

	fileList, err := os.ReadDir(config.Dir)
	if err != nil {
		return nil, err
	}

	suffix := "_" + config.Prefix + "_wal"
	indexes := make(map[string]int64)
	fileListNames := make([]string, 0)

	for _, file := range fileList {
		if file.IsDir() || !strings.HasSuffix(file.Name(), suffix) {
			continue
		}

		idx, err := strconv.ParseInt(strings.TrimSuffix(file.Name(), suffix), 10, 32)
		if err != nil {
			continue
		}

		name := filepath.Join(config.Dir, file.Name())
		indexes[name] = idx
		fileListNames = append(fileListNames, name)
	}

	sort.Slice(fileListNames, func(i, j int) bool {
		return indexes[fileListNames[i]] < indexes[fileListNames[j]]
	})

	var activeFile string
	var nextIndex int
	if len(fileListNames) > 0 {
		activeFile = fileListNames[len(fileListNames)-1]
		nextIndex = int(indexes[activeFile]) + 1

		if err = trimTornTail(activeFile); err != nil {
			return nil, err
		}
	}

	maxFileSize := config.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = 100
	}

	return &WriteAheadLog{
		dir:         config.Dir,
		fileList:    fileListNames,
		activeFile:  activeFile,
		nextIndex:   nextIndex,
		maxFileSize: maxFileSize * KiloByte,
		prefix:      config.Prefix,
	}, nil
}

func (f *WriteAheadLog) Recover() ([]*domain.JournalEntry, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	entryList := make([]*domain.JournalEntry, 0)

	for _, file := range f.fileList {
		entries, err := readJournalFile(file)
		if err != nil {
			return nil, err
		}

		entryList = append(entryList, entries...)
	}

	return entryList, nil
}

func readJournalFile(name string) ([]*domain.JournalEntry, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*domain.JournalEntry, 0)
	reader := bufio.NewReader(file)

	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Torn write from a crash, never acknowledged.
			break
		}

		if err != nil {
			return nil, err
		}

		entry := &domain.JournalEntry{}
		if err = json.Unmarshal(line, entry); err != nil {
			return nil, errors.Wrapf(err, "corrupt journal entry in %s", name)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (f *WriteAheadLog) Append(entry *domain.JournalEntry) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.activeFile == "" {
		if err := f.createNextFile(); err != nil {
			return err
		}
	}

	stat, err := os.Stat(f.activeFile)
	if err != nil {
		return err
	}

	// Check if we should go to next wal file. Default value is 100KB
	if stat.Size() >= f.maxFileSize {
		if err = f.createNextFile(); err != nil {
			return err
		}
	}

	marshal, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(f.activeFile, os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	defer file.Close()

	jsonData := string(marshal) + "\n"

	curLen := 0

	for curLen < len(jsonData) {
		writtenLen, err := file.WriteString(jsonData[curLen:])
		if err != nil {
			return err
		}

		curLen += writtenLen
	}

	return file.Sync()
}

// trimTornTail cuts a partial last line off the file so that later appends
// start on a line of their own.
func trimTornTail(name string) error {
	data, err := os.ReadFile(name)
	if err != nil {
		return errors.Wrapf(err, "could not read journal file %s", name)
	}

	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	keep := bytes.LastIndexByte(data, '\n') + 1
	if err = os.Truncate(name, int64(keep)); err != nil {
		return errors.Wrapf(err, "could not trim torn entry from %s", name)
	}

	file, err := os.OpenFile(name, os.O_RDWR, 0666)
	if err != nil {
		return err
	}
	defer file.Close()

	return file.Sync()
}

// Compact rewrites the journal so that it only holds the entries of
// transactions for which keep returns true, and returns how many entries
// were dropped. The kept entries are written to a new file before the old
// files are removed, so a crash in between only leaves duplicates behind.
func (f *WriteAheadLog) Compact(keep func(txID string) bool) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if len(f.fileList) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	dropped := 0

	for _, file := range f.fileList {
		entries, err := readJournalFile(file)
		if err != nil {
			return 0, err
		}

		for _, entry := range entries {
			if !keep(entry.TxID) {
				dropped++
				continue
			}

			line, err := json.Marshal(entry)
			if err != nil {
				return 0, err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}

	if dropped == 0 {
		return 0, nil
	}

	name := filepath.Join(f.dir, fmt.Sprintf("%v_%v_wal", f.nextIndex, f.prefix))
	if err := writeSynced(name, buf.Bytes()); err != nil {
		return 0, errors.Wrap(err, "could not write compacted journal")
	}

	// Files that could not be removed stay readable ahead of the new one.
	remaining := make([]string, 0)
	var removeErr error
	for _, old := range f.fileList {
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			remaining = append(remaining, old)
			removeErr = errors.CombineErrors(removeErr, errors.Wrapf(err, "could not remove compacted journal file %s", old))
		}
	}

	f.fileList = append(remaining, name)
	f.activeFile = name
	f.nextIndex++

	if removeErr != nil {
		return dropped, removeErr
	}

	return dropped, syncDir(f.dir)
}

// writeSynced writes data under a temporary name and renames it into place.
// The temporary name does not carry the journal suffix, so a crash before
// the rename leaves nothing that recovery would read.
func writeSynced(name string, data []byte) error {
	tmp := name + ".compact"

	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err = file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}

	if err = os.Rename(tmp, name); err != nil {
		return err
	}

	return syncDir(filepath.Dir(name))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

func (f *WriteAheadLog) createNextFile() error {
	create, err := os.Create(filepath.Join(f.dir, fmt.Sprintf("%v_%v_wal", f.nextIndex, f.prefix)))
	if err != nil {
		return err
	}
	f.activeFile = create.Name()
	f.fileList = append(f.fileList, f.activeFile)
	f.nextIndex++

	return create.Close()
}
