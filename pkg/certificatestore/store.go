package certificatestore

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
)

// DirStore keeps artifacts as files: <root>/<domain>/<domain>.key etc.
// (root usually being a git working copy, see GitCommitter)
type DirStore struct {
	root string
	mu   sync.Mutex
	logl *logex.Leveled
}

var _ Store = (*DirStore)(nil)

func NewDirStore(root string, logger *log.Logger) *DirStore {
	return &DirStore{
		root: root,
		logl: logex.Levels(logger),
	}
}

func (d *DirStore) Root() string {
	return d.root
}

func (d *DirStore) Entry(domain string) Entry {
	return entryFor(domain, func(filename string) string {
		return filepath.Join(d.root, domain, filename)
	})
}

func (d *DirStore) WriteArtifact(_ context.Context, domain string, kind ArtifactKind, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := filepath.Join(d.root, domain)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	perm := os.FileMode(0644)
	if kind == KindKey {
		perm = 0600
	}

	d.logl.Debug.Printf("write %s", kind.Filename(domain))

	return writeFileAtomic(filepath.Join(dir, kind.Filename(domain)), content, perm)
}

func (d *DirStore) ReadExisting(_ context.Context, domain string, kind ArtifactKind) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(d.root, domain, kind.Filename(domain)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	return content, nil
}

func (d *DirStore) RemainingValidityDays(ctx context.Context, domain string, now time.Time) (int, bool, error) {
	return remainingValidityDays(ctx, d, domain, now)
}

// readers never observe a half-written certificate
func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

func entryFor(domain string, pathOf func(filename string) string) Entry {
	return Entry{
		Domain:           domain,
		KeyPath:          pathOf(KindKey.Filename(domain)),
		CsrPath:          pathOf(KindCsr.Filename(domain)),
		CertPath:         pathOf(KindCert.Filename(domain)),
		FullchainPath:    pathOf(KindFullchain.Filename(domain)),
		IntermediatePath: pathOf(KindIntermediate.Filename(domain)),
	}
}
