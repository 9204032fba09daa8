// Package importer archives messages from local .eml and mbox files.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/archive"
	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/metrics"
	"github.com/nhle/mail-archiver/internal/mime"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/store"
	"github.com/nhle/mail-archiver/internal/sync"
)

// Payload is the parameter of an import job. Folder overrides the
// folder derived from the file layout.
type Payload struct {
	AccountID string
	Path      string
	Folder    string
}

// AccountStore loads the account messages are imported into.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Result summarizes one import.
type Result struct {
	Files      int
	Imported   int
	Duplicates int
	Failed     int
}

// defaultFolder is used for single .eml files without an explicit folder.
const defaultFolder = "Imported"

// Importer feeds local message files through the archiver.
type Importer struct {
	accounts AccountStore
	archiver *archive.Archiver
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New returns an Importer. m may be nil.
func New(accounts AccountStore, archiver *archive.Archiver, m *metrics.Metrics, log zerolog.Logger) *Importer {
	return &Importer{accounts: accounts, archiver: archiver, metrics: m, log: log}
}

// Run is the jobs.Body of the import family.
func (im *Importer) Run(ctx context.Context, job *jobs.Job[Payload]) error {
	_, err := im.Import(ctx, job.Payload, job)
	return err
}

// source is one file to import and the folder its messages land in.
type source struct {
	path   string
	folder string
	mbox   bool
}

// Import archives every message found at p.Path. Messages that do not
// parse or cannot be stored are counted as failed.
func (im *Importer) Import(ctx context.Context, p Payload, progress jobs.Progress) (Result, error) {
	var res Result
	if progress == nil {
		progress = jobs.Discard
	}

	acct, err := im.accounts.GetAccount(ctx, p.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return res, jobs.Setupf("account %s does not exist", p.AccountID)
	}
	if err != nil {
		return res, fmt.Errorf("loading account %s: %w", p.AccountID, err)
	}

	progress.SetPhase("scanning")
	sources, err := discover(p)
	if err != nil {
		return res, jobs.Setup(err)
	}

	log := im.log.With().Str("account", acct.ID).Str("path", p.Path).Logger()
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		progress.SetPhase("importing " + filepath.Base(src.path))
		res.Files++

		if err := im.importFile(ctx, acct.ID, src, &res, progress); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn().Err(err).Str("file", src.path).Msg("Import of file failed")
			res.Failed++
			progress.RecordFailure()
		}
	}

	log.Info().
		Int("files", res.Files).
		Int("imported", res.Imported).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Msg("Import finished")
	return res, nil
}

func (im *Importer) importFile(ctx context.Context, accountID string, src source, res *Result, progress jobs.Progress) error {
	if !src.mbox {
		raw, err := os.ReadFile(src.path)
		if err != nil {
			return err
		}
		progress.AddTotal(1)
		im.importOne(ctx, accountID, src.folder, raw, res, progress)
		return nil
	}

	f, err := os.Open(src.path)
	if err != nil {
		return err
	}
	defer f.Close()

	return splitMbox(f, func(raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress.AddTotal(1)
		im.importOne(ctx, accountID, src.folder, raw, res, progress)
		return nil
	})
}

func (im *Importer) importOne(ctx context.Context, accountID, folder string, raw []byte, res *Result, progress jobs.Progress) {
	out, err := im.archiveRaw(ctx, accountID, folder, raw)
	switch {
	case err != nil:
		im.log.Debug().Err(err).Str("folder", folder).Msg("Message not imported")
		res.Failed++
		progress.RecordFailure()
		im.metrics.Failed(accountID, 1)
	case out.Duplicate:
		res.Duplicates++
		progress.RecordSkip()
		im.metrics.Skipped(accountID, 1)
	default:
		res.Imported++
		progress.RecordSuccess()
		im.metrics.Archived(accountID, 1)
	}
}

func (im *Importer) archiveRaw(ctx context.Context, accountID, folder string, raw []byte) (archive.Outcome, error) {
	msg, err := provider.ParseMessage(raw)
	if err != nil {
		return archive.Outcome{}, err
	}
	return im.archiver.Archive(ctx, archive.Request{
		AccountID:   accountID,
		Folder:      folder,
		Direction:   direction(folder),
		Message:     msg,
		Attachments: provider.AttachmentsFromParts(mime.Collect(msg.Root)),
	})
}

func direction(folder string) model.Direction {
	if sync.IsSentName(folder, "/") {
		return model.DirectionOutgoing
	}
	return model.DirectionIncoming
}

// discover lists the files under p.Path in a stable order.
func discover(p Payload) ([]source, error) {
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, fmt.Errorf("import path: %w", err)
	}

	if !info.IsDir() {
		f, ok := fileFormat(p.Path)
		if !ok {
			return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(p.Path))
		}
		folder := p.Folder
		if folder == "" {
			folder = defaultFolder
			if f == formatMbox {
				folder = stem(p.Path)
			}
		}
		return []source{{path: p.Path, folder: folder, mbox: f == formatMbox}}, nil
	}

	var out []source
	err = filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != p.Path {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		f, ok := fileFormat(path)
		if !ok {
			return nil
		}

		folder := p.Folder
		if folder == "" {
			folder = layoutFolder(p.Path, path, f)
		}
		out = append(out, source{path: path, folder: folder, mbox: f == formatMbox})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", p.Path, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

type format int

const (
	formatEML format = iota
	formatMbox
)

func fileFormat(path string) (format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		return formatEML, true
	case ".mbox", ".mbx":
		return formatMbox, true
	}
	return 0, false
}

// layoutFolder names the folder after the file's location: an mbox
// file is a folder of its own, an .eml file belongs to its directory.
func layoutFolder(root, path string, f format) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return defaultFolder
	}
	dir := filepath.ToSlash(filepath.Dir(rel))
	if f == formatMbox {
		if dir == "." {
			return stem(path)
		}
		return dir + "/" + stem(path)
	}
	if dir == "." {
		return defaultFolder
	}
	return dir
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
