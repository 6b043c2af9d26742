package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	documentsDirectory = "documents"
	mirrorFileSuffix   = ".txt"
	tempFilePattern    = ".mirror-*.tmp"
	maxIdentifierSize  = 190

	directoryMode = 0o755
	fileMode      = 0o644
)

// Operation labels reported to the Recorder.
const (
	OperationWrite  = "write"
	OperationDelete = "delete"
	OperationList   = "list"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultInvalid = "invalid_id"
)

var (
	// ErrInvalidDocumentID indicates an identifier that cannot be mapped onto a file inside the mirror directory.
	ErrInvalidDocumentID = errors.New("mirror: invalid document id")
	// ErrWriteFailure marks any failure to create, write, rename, or remove a mirror file.
	ErrWriteFailure = errors.New("mirror: write failure")

	errMissingRoot       = errors.New("mirror: root directory required")
	errMissingFilesystem = errors.New("mirror: filesystem required")

	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// WriteError carries the failed operation and path alongside the filesystem cause.
type WriteError struct {
	Operation  string
	DocumentID string
	Path       string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("mirror: %s %s failed: %v", e.Operation, e.Path, e.Err)
}

// Unwrap exposes both ErrWriteFailure and the underlying cause to errors.Is / errors.As.
func (e *WriteError) Unwrap() []error {
	return []error{ErrWriteFailure, e.Err}
}

// Recorder observes mirror operations, usually backed by Prometheus counters.
type Recorder interface {
	ObserveMirrorOperation(operation, result string)
}

// Config describes the dependencies of a Mirror.
type Config struct {
	Root       string
	Filesystem afero.Fs
	Logger     *zap.Logger
	Recorder   Recorder
}

// Mirror keeps human-readable text snapshots of documents under <root>/documents.
type Mirror struct {
	root     string
	fs       afero.Fs
	logger   *zap.Logger
	recorder Recorder
}

// New validates the configuration and returns a Mirror rooted at cfg.Root.
func New(cfg Config) (*Mirror, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errMissingRoot
	}
	if cfg.Filesystem == nil {
		return nil, errMissingFilesystem
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		root:     filepath.Clean(root),
		fs:       cfg.Filesystem,
		logger:   logger,
		recorder: cfg.Recorder,
	}, nil
}

// Root returns the configured mirror root directory.
func (m *Mirror) Root() string {
	return m.root
}

// Path maps a document identifier onto <root>/documents/<id>.txt.
func (m *Mirror) Path(documentID string) (string, error) {
	if err := validateIdentifier(documentID); err != nil {
		return "", err
	}
	return filepath.Join(m.directory(), documentID+mirrorFileSuffix), nil
}

// Write renders the snapshot and atomically replaces its mirror file.
// The previous file, if any, is left untouched when any step fails.
func (m *Mirror) Write(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.Path(snapshot.ID)
	if err != nil {
		m.observe(OperationWrite, ResultInvalid)
		return err
	}

	directory := m.directory()
	if err := m.fs.MkdirAll(directory, directoryMode); err != nil {
		return m.fail(OperationWrite, snapshot.ID, directory, err)
	}

	tempFile, err := afero.TempFile(m.fs, directory, tempFilePattern)
	if err != nil {
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}
	tempPath := tempFile.Name()

	if _, err := io.WriteString(tempFile, Render(snapshot)); err != nil {
		_ = tempFile.Close()
		m.discard(tempPath)
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		m.discard(tempPath)
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}
	if err := tempFile.Close(); err != nil {
		m.discard(tempPath)
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}
	if err := m.fs.Chmod(tempPath, fileMode); err != nil {
		m.discard(tempPath)
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}
	if err := m.fs.Rename(tempPath, path); err != nil {
		m.discard(tempPath)
		return m.fail(OperationWrite, snapshot.ID, path, err)
	}

	m.observe(OperationWrite, ResultSuccess)
	m.logger.Info("document mirrored",
		zap.String("document_id", snapshot.ID),
		zap.String("path", path))
	return nil
}

// Delete removes the mirror file for documentID. A missing file is not an error.
func (m *Mirror) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.Path(documentID)
	if err != nil {
		m.observe(OperationDelete, ResultInvalid)
		return err
	}
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return m.fail(OperationDelete, documentID, path, err)
	}
	m.observe(OperationDelete, ResultSuccess)
	m.logger.Debug("document mirror removed",
		zap.String("document_id", documentID),
		zap.String("path", path))
	return nil
}

// List returns the identifiers that currently have a mirror file, sorted.
func (m *Mirror) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	directory := m.directory()
	entries, err := afero.ReadDir(m.fs, directory)
	if errors.Is(err, os.ErrNotExist) {
		m.observe(OperationList, ResultSuccess)
		return nil, nil
	}
	if err != nil {
		return nil, m.fail(OperationList, "", directory, err)
	}

	identifiers := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, mirrorFileSuffix) {
			continue
		}
		identifier := strings.TrimSuffix(name, mirrorFileSuffix)
		if validateIdentifier(identifier) != nil {
			continue
		}
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	m.observe(OperationList, ResultSuccess)
	return identifiers, nil
}

func (m *Mirror) directory() string {
	return filepath.Join(m.root, documentsDirectory)
}

func (m *Mirror) discard(path string) {
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove temporary mirror file", zap.String("path", path), zap.Error(err))
	}
}

func (m *Mirror) fail(operation, documentID, path string, cause error) error {
	m.observe(operation, ResultFailure)
	return &WriteError{
		Operation:  operation,
		DocumentID: documentID,
		Path:       path,
		Err:        cause,
	}
}

func (m *Mirror) observe(operation, result string) {
	if m.recorder == nil {
		return
	}
	m.recorder.ObserveMirrorOperation(operation, result)
}

func validateIdentifier(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(documentID) > maxIdentifierSize {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierSize)
	}
	if !identifierPattern.MatchString(documentID) {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return nil
}
