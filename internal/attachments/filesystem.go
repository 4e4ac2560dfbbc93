package attachments

import (
	"io"
	"time"

	"github.com/spf13/afero"
)

// FileInfo is the subset of file metadata the stage needs to validate a source.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// FileSystem is the file-system collaborator used to validate attachment
// sources eagerly and to stream their content at synchronization time.
type FileSystem interface {
	Exists(path string) (bool, error)
	Stat(path string) (FileInfo, error)
	Open(path string) (io.ReadCloser, error)
}

type aferoFileSystem struct {
	fs afero.Fs
}

// NewFileSystem adapts an afero filesystem to FileSystem.
func NewFileSystem(fs afero.Fs) FileSystem {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &aferoFileSystem{fs: fs}
}

// OSFileSystem returns a FileSystem backed by the operating system.
func OSFileSystem() FileSystem {
	return NewFileSystem(afero.NewOsFs())
}

func (a *aferoFileSystem) Exists(path string) (bool, error) {
	return afero.Exists(a.fs, path)
}

func (a *aferoFileSystem) Stat(path string) (FileInfo, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

func (a *aferoFileSystem) Open(path string) (io.ReadCloser, error) {
	return a.fs.Open(path)
}
