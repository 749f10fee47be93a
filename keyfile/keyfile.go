// Package keyfile implements keystore.Source against a plain on-disk file:
// one JSON object per line, reloaded whenever its mtime or size changes.
//
// The wire format of the original key store is out of scope for this
// specification; this is the one place a format had to be invented rather
// than grounded in the example pack, kept intentionally minimal.
package keyfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/xtaci/agentsec/cipher"
	"github.com/xtaci/agentsec/keystore"
)

// Reader implements keystore.Source over a JSON-lines file at Path.
type Reader struct {
	Path string
}

// NewReader returns a Reader for path.
func NewReader(path string) *Reader {
	return &Reader{Path: path}
}

// record is the on-disk shape of a single key entry.
type record struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	RawKey string `json:"raw_key"`
	IP     string `json:"ip"`
}

// Stat reports a change token derived from the file's mtime and size, so
// keystore.ReloadIfChanged can skip a re-read when nothing changed (spec
// §4.9 "key-file mtime/size").
func (r *Reader) Stat() (string, error) {
	info, err := os.Stat(r.Path)
	if err != nil {
		return "", errors.Wrap(err, "stat key file")
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

// Load reads every entry currently on record.
func (r *Reader) Load() ([]keystore.RawEntry, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open key file")
	}
	defer f.Close()

	var out []keystore.RawEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "key file %s: line %d", r.Path, lineNo)
		}
		if rec.ID == "" {
			return nil, errors.Errorf("key file %s: line %d: missing id", r.Path, lineNo)
		}
		out = append(out, keystore.RawEntry{
			ID:        rec.ID,
			Name:      rec.Name,
			RawKey:    []byte(rec.RawKey),
			IPPattern: rec.IP,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan key file")
	}
	return out, nil
}

// ValidateEntries checks that every entry's raw key can be normalized into
// cipher key material, surfacing a configuration mistake at load time
// instead of at first decrypt.
func ValidateEntries(entries []keystore.RawEntry) error {
	for _, e := range entries {
		if _, err := cipher.DeriveKey(e.RawKey); err != nil {
			return errors.Wrapf(err, "entry %s", e.ID)
		}
	}
	return nil
}

// ridsHandle wraps *os.File as a keystore.RidsHandle.
type ridsHandle struct {
	f *os.File
}

func (h ridsHandle) Close() error { return h.f.Close() }

// OpenRids opens (creating if absent) the per-agent rids journal file under
// dir, named after agentID, for use as keystore.TouchRids's open callback.
func OpenRids(dir string) func(agentID string) (keystore.RidsHandle, error) {
	return func(agentID string) (keystore.RidsHandle, error) {
		path := filepath.Join(dir, agentID+".rids")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return nil, errors.Wrapf(err, "open rids file for %s", agentID)
		}
		return ridsHandle{f: f}, nil
	}
}
