package attachments

import (
	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
	"github.com/gabriel-vasile/mimetype"
)

// DetectContentType sniffs the MIME type of a local file.
func DetectContentType(fs FileSystem, localFilePath string) (string, error) {
	if fs == nil {
		fs = OSFileSystem()
	}
	exists, err := fs.Exists(localFilePath)
	if err != nil {
		return "", docerr.InvalidArgument(argumentPath, err.Error())
	}
	if !exists {
		return "", docerr.NotFound(argumentPath, localFilePath)
	}
	reader, err := fs.Open(localFilePath)
	if err != nil {
		return "", docerr.InvalidArgument(argumentPath, "not readable")
	}
	defer reader.Close()

	detected, err := mimetype.DetectReader(reader)
	if err != nil {
		return "", docerr.InvalidArgument(argumentPath, err.Error())
	}
	return detected.String(), nil
}
