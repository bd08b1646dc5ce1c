package fetcher

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// DataDirName is the folder that holds the CDA documents inside an archive.
const DataDirName = "DATA"

// MaxInnerPathLen is the longest member name, in runes, an archive may carry.
const MaxInnerPathLen = 255

// encryptedFlag is bit 0 of the zip general purpose flags.
const encryptedFlag = 0x1

// InspectZIP hashes an archive and reads its central directory without
// extracting it. Structural problems are reported in the descriptor's
// findings rather than as errors; an error means the file itself could not
// be read.
//
// XML members are taken from the DATA folders. An archive without a DATA
// folder, or with several, still lists every XML it contains so the members
// can be registered; password, long-path, and unreadable archives list none.
func InspectZIP(zipPath string) (*model.ArchiveDescriptor, error) {
	hash, err := fileSHA256(zipPath)
	if err != nil {
		return nil, err
	}
	desc := &model.ArchiveDescriptor{
		Hash: hash,
		Name: filepath.Base(zipPath),
		Path: zipPath,
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		desc.Findings = model.StructuralFindings{
			Code:    model.StructuralCodeUnexpected,
			Message: "zip: open archive: " + err.Error(),
		}
		return desc, nil
	}
	defer r.Close() //nolint:errcheck

	dataDirs := map[string]bool{}
	var xmlAll, xmlData []*zip.File
	for _, f := range r.File {
		if f.Flags&encryptedFlag != 0 {
			desc.Findings = model.StructuralFindings{
				Code:    model.StructuralCodePassword,
				Message: "zip: encrypted member " + f.Name,
			}
			return desc, nil
		}
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if utf8.RuneCountInString(name) > MaxInnerPathLen {
			desc.Findings = model.StructuralFindings{
				Code:    model.StructuralCodeLongPath,
				Message: "zip: member path too long: " + string([]rune(name)[:64]) + "…",
			}
			return desc, nil
		}
		if dir, ok := dataDir(name); ok {
			dataDirs[dir] = true
		}
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(name), ".xml") {
			continue
		}
		xmlAll = append(xmlAll, f)
		if _, ok := dataDir(path.Dir(name) + "/"); ok {
			xmlData = append(xmlData, f)
		}
	}

	f := model.StructuralFindings{DataDirCount: len(dataDirs)}
	members := xmlData
	switch {
	case len(dataDirs) == 0:
		f.Code, f.Message = model.StructuralCodeDataDirMissing, "zip: no DATA folder"
		members = xmlAll
	case len(dataDirs) > 1:
		f.Code = model.StructuralCodeDataDirDuplicate
		f.Message = "zip: DATA folders: " + strings.Join(sortedKeys(dataDirs), ", ")
	case len(xmlData) == 0:
		f.Code, f.Message = model.StructuralCodeDataDirEmpty, "zip: no XML under DATA"
	}

	for _, zf := range members {
		m, err := describeMember(zipPath, zf)
		if err != nil {
			desc.Findings = model.StructuralFindings{
				Code:         model.StructuralCodeExtractFailed,
				Message:      err.Error(),
				DataDirCount: len(dataDirs),
			}
			desc.Members = nil
			return desc, nil
		}
		desc.Members = append(desc.Members, m)
	}
	f.XMLCount = len(desc.Members)
	desc.Findings = f
	return desc, nil
}

// dataDir returns the prefix up to and including a DATA segment of name.
func dataDir(name string) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
	for i, p := range parts[:len(parts)-1] {
		if p == DataDirName {
			return strings.Join(parts[:i+1], "/"), true
		}
	}
	return "", false
}

func describeMember(zipPath string, f *zip.File) (model.MemberDescriptor, error) {
	rc, err := f.Open()
	if err != nil {
		return model.MemberDescriptor{}, eris.Wrapf(err, "zip: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return model.MemberDescriptor{}, eris.Wrapf(err, "zip: read entry %s", f.Name)
	}

	name := f.Name
	m := model.MemberDescriptor{
		InnerPath: name,
		Hash:      hex.EncodeToString(h.Sum(nil)),
		Size:      int64(f.UncompressedSize64),
		Open:      func() (io.ReadCloser, error) { return OpenMember(zipPath, name) },
	}
	if mt := f.Modified; !mt.IsZero() {
		mt = mt.UTC()
		m.MTime = &mt
	}
	return m, nil
}

// OpenMember streams one member of an archive by its stored name. Closing
// the returned reader closes the archive.
func OpenMember(zipPath, name string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "zip: open entry %s", name)
		}
		return &memberReader{ReadCloser: rc, archive: r}, nil
	}
	r.Close() //nolint:errcheck
	return nil, eris.Errorf("zip: file %q not found in archive", name)
}

type memberReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (m *memberReader) Close() error {
	err := m.ReadCloser.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", eris.Wrap(err, "zip: open file")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrap(err, "zip: hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
