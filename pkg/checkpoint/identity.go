package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is a top-level item of the checkpoint directory with its identity.
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time

	// Hash is the hex SHA-256 of the content. For directories it covers
	// every regular file's relative path and content hash.
	Hash string

	// Files lists regular files of a directory entry with their hashes,
	// sorted by relative path. Empty for plain files.
	Files []FileHash
}

// FileHash is one file inside a directory entry.
type FileHash struct {
	Rel  string
	Size int64
	Hash string
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashTree(root string) (string, []FileHash, int64, error) {
	var files []FileHash
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, n, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, FileHash{Rel: filepath.ToSlash(rel), Size: n, Hash: sum})
		total += n
		return nil
	})
	if err != nil {
		return "", nil, 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })

	h := sha256.New()
	for _, f := range files {
		_, _ = fmt.Fprintf(h, "%s\x00%s\n", f.Rel, f.Hash)
	}
	return hex.EncodeToString(h.Sum(nil)), files, total, nil
}

// identify stats and hashes one directory entry. Symlinks are followed so a
// link to the current resume script archives the script itself.
func identify(dir, name string) (Entry, error) {
	path := filepath.Join(dir, name)
	st, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Name: name, Path: path, IsDir: st.IsDir(), ModTime: st.ModTime()}
	if e.IsDir {
		e.Hash, e.Files, e.Size, err = hashTree(path)
	} else {
		e.Hash, e.Size, err = hashFile(path)
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}
