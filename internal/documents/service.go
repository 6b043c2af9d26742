package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDocumentNotFound indicates that the referenced document does not exist in storage.
	ErrDocumentNotFound = errors.New("documents: document not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingMirror     = errors.New("mirror is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingActor      = errors.New("acting user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// ErrorCode extracts the ServiceError code from err, or returns "" when absent.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

const (
	opServiceNew      = "documents.service.new"
	opCreate          = "documents.create"
	opGet             = "documents.get"
	opUpdate          = "documents.update"
	opDelete          = "documents.delete"
	opList            = "documents.list"
	opFilterByStatus  = "documents.filter_by_status"
	opReconcileMirror = "documents.reconcile_mirrors"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Mirror is the file mirroring collaborator.
type Mirror interface {
	Write(ctx context.Context, snapshot mirror.Snapshot) error
	Delete(ctx context.Context, documentID string) error
	List(ctx context.Context) ([]string, error)
}

// OwnerDirectory resolves the display name shown in mirror files for an owner.
type OwnerDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Mirror     Mirror
	Owners     OwnerDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists documents and keeps their mirror files in step with committed rows.
// The row mutation and the mirror write are not atomic: the row commits first and the
// mirror is best-effort, so a mirror failure never rolls back the mutation.
type Service struct {
	db         *gorm.DB
	mirror     Mirror
	owners     OwnerDirectory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Mirror == nil {
		return nil, newServiceError(opServiceNew, "missing_mirror", errMissingMirror)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		mirror:     cfg.Mirror,
		owners:     cfg.Owners,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// MutationResult reports the committed document and the outcome of its mirror write.
// MirrorErr is non-nil when the row committed but the mirror file could not be written.
type MutationResult struct {
	Document  Document
	MirrorErr error
}

// MirrorSynced reports whether the mirror file reflects Document.
func (r MutationResult) MirrorSynced() bool {
	return r.MirrorErr == nil
}

// Create inserts a new document owned by actorID and then writes its mirror file.
func (s *Service) Create(ctx context.Context, actorID string, draft Draft) (MutationResult, error) {
	if err := s.ready(opCreate); err != nil {
		return MutationResult{}, err
	}
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		s.logError(opCreate, "missing_actor", errMissingActor)
		return MutationResult{}, newServiceError(opCreate, "missing_actor", errMissingActor)
	}
	normalized, err := draft.normalized()
	if err != nil {
		s.loggerOrDefault().Info("document rejected",
			zap.String("operation", opCreate),
			zap.String("user_id", actor),
			zap.Error(err))
		return MutationResult{}, newServiceError(opCreate, "invalid_input", err)
	}

	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("user_id", actor))
		return MutationResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	document := Document{
		ID:        documentID,
		Title:     normalized.Title,
		DocType:   normalized.DocType,
		Status:    normalized.Status,
		Content:   normalized.Content,
		OwnerID:   actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("user_id", actor),
			zap.String("document_id", documentID))
		return MutationResult{}, newServiceError(opCreate, "insert_failed", err)
	}

	result := MutationResult{Document: document, MirrorErr: s.writeMirror(ctx, opCreate, actor, document)}
	s.loggerOrDefault().Info("document created",
		zap.String("user_id", actor),
		zap.String("document_id", document.ID),
		zap.Bool("mirror_synced", result.MirrorSynced()))
	return result, nil
}

// Get returns the stored document or an error wrapping ErrDocumentNotFound.
func (s *Service) Get(ctx context.Context, documentID string) (Document, error) {
	if err := s.ready(opGet); err != nil {
		return Document{}, err
	}
	id, err := NewDocumentID(documentID)
	if err != nil {
		return Document{}, newServiceError(opGet, "not_found", fmt.Errorf("%w: %v", ErrDocumentNotFound, err))
	}
	document, err := s.load(s.db.WithContext(ctx), id)
	if errors.Is(err, ErrDocumentNotFound) {
		s.loggerOrDefault().Warn("document not found",
			zap.String("operation", opGet),
			zap.String("document_id", id.String()))
		return Document{}, newServiceError(opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("document_id", id.String()))
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// Update applies patch to the stored document, commits, and then rewrites its mirror
// from the committed state.
func (s *Service) Update(ctx context.Context, actorID, documentID string, patch Patch) (MutationResult, error) {
	if err := s.ready(opUpdate); err != nil {
		return MutationResult{}, err
	}
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		s.logError(opUpdate, "missing_actor", errMissingActor)
		return MutationResult{}, newServiceError(opUpdate, "missing_actor", errMissingActor)
	}
	id, err := NewDocumentID(documentID)
	if err != nil {
		s.warnNotFound(opUpdate, actor, documentID)
		return MutationResult{}, newServiceError(opUpdate, "not_found", fmt.Errorf("%w: %v", ErrDocumentNotFound, err))
	}
	if patch.IsEmpty() {
		return MutationResult{}, newServiceError(opUpdate, "invalid_input", ErrEmptyPatch)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.load(tx, id)
		if err != nil {
			return err
		}
		if err := patch.applyTo(&existing); err != nil {
			return newServiceError(opUpdate, "invalid_input", err)
		}
		existing.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&existing).Error; err != nil {
			return newServiceError(opUpdate, "save_failed", err)
		}
		updated = existing
		return nil
	})
	switch {
	case txErr == nil:
	case errors.Is(txErr, ErrDocumentNotFound):
		s.warnNotFound(opUpdate, actor, id.String())
		return MutationResult{}, newServiceError(opUpdate, "not_found", txErr)
	case ErrorCode(txErr) == opUpdate+".invalid_input":
		s.loggerOrDefault().Info("document update rejected",
			zap.String("user_id", actor),
			zap.String("document_id", id.String()),
			zap.Error(txErr))
		return MutationResult{}, txErr
	case ErrorCode(txErr) != "":
		s.logError(opUpdate, "transaction_failed", txErr,
			zap.String("user_id", actor),
			zap.String("document_id", id.String()))
		return MutationResult{}, txErr
	default:
		s.logError(opUpdate, "query_failed", txErr,
			zap.String("user_id", actor),
			zap.String("document_id", id.String()))
		return MutationResult{}, newServiceError(opUpdate, "query_failed", txErr)
	}

	result := MutationResult{Document: updated, MirrorErr: s.writeMirror(ctx, opUpdate, actor, updated)}
	s.loggerOrDefault().Info("document updated",
		zap.String("user_id", actor),
		zap.String("document_id", updated.ID),
		zap.Bool("mirror_synced", result.MirrorSynced()))
	return result, nil
}

// Delete removes the mirror file first and then the row. A mirror removal failure is
// logged and the row is deleted regardless, which may leave a stale mirror behind
// until the next reconciliation.
func (s *Service) Delete(ctx context.Context, actorID, documentID string) error {
	if err := s.ready(opDelete); err != nil {
		return err
	}
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		s.logError(opDelete, "missing_actor", errMissingActor)
		return newServiceError(opDelete, "missing_actor", errMissingActor)
	}
	id, err := NewDocumentID(documentID)
	if err != nil {
		s.warnNotFound(opDelete, actor, documentID)
		return newServiceError(opDelete, "not_found", fmt.Errorf("%w: %v", ErrDocumentNotFound, err))
	}

	db := s.db.WithContext(ctx)
	if _, err := s.load(db, id); errors.Is(err, ErrDocumentNotFound) {
		s.warnNotFound(opDelete, actor, id.String())
		return newServiceError(opDelete, "not_found", err)
	} else if err != nil {
		s.logError(opDelete, "query_failed", err,
			zap.String("user_id", actor),
			zap.String("document_id", id.String()))
		return newServiceError(opDelete, "query_failed", err)
	}

	if err := s.mirror.Delete(ctx, id.String()); err != nil {
		s.logError(opDelete, "mirror_delete_failed", err,
			zap.String("user_id", actor),
			zap.String("document_id", id.String()))
	}

	outcome := db.Where("id = ?", id.String()).Delete(&Document{})
	if outcome.Error != nil {
		s.logError(opDelete, "delete_failed", outcome.Error,
			zap.String("user_id", actor),
			zap.String("document_id", id.String()))
		return newServiceError(opDelete, "delete_failed", outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		s.warnNotFound(opDelete, actor, id.String())
		return newServiceError(opDelete, "not_found", ErrDocumentNotFound)
	}

	s.loggerOrDefault().Info("document deleted",
		zap.String("user_id", actor),
		zap.String("document_id", id.String()))
	return nil
}

// List returns documents matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Document, error) {
	if err := s.ready(opList); err != nil {
		return nil, err
	}
	documents, err := s.query(ctx, filter)
	if err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return documents, nil
}

// FilterByStatus returns documents whose status equals status; an empty status returns all.
func (s *Service) FilterByStatus(ctx context.Context, status string) ([]Document, error) {
	if err := s.ready(opFilterByStatus); err != nil {
		return nil, err
	}
	documents, err := s.query(ctx, Filter{Status: status})
	if err != nil {
		s.logError(opFilterByStatus, "query_failed", err, zap.String("status", status))
		return nil, newServiceError(opFilterByStatus, "query_failed", err)
	}
	return documents, nil
}

func (s *Service) query(ctx context.Context, filter Filter) ([]Document, error) {
	query := s.db.WithContext(ctx).Model(&Document{})
	if status := strings.TrimSpace(filter.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if docType := strings.TrimSpace(filter.DocType); docType != "" {
		query = query.Where("doc_type = ?", docType)
	}
	if filter.CreatedOn != nil {
		start := time.Date(filter.CreatedOn.Year(), filter.CreatedOn.Month(), filter.CreatedOn.Day(), 0, 0, 0, 0, time.UTC)
		query = query.Where("created_at >= ? AND created_at < ?", start, start.AddDate(0, 0, 1))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		query = query.Where(`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(content) LIKE ? ESCAPE '\')`, pattern, pattern)
	}

	var documents []Document
	if err := query.Order("created_at ASC").Order("id ASC").Find(&documents).Error; err != nil {
		return nil, err
	}
	return documents, nil
}

func (s *Service) load(db *gorm.DB, id DocumentID) (Document, error) {
	var document Document
	err := db.Where("id = ?", id.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return document, nil
}

// writeMirror performs the single best-effort mirror write for a committed document.
func (s *Service) writeMirror(ctx context.Context, operation, actor string, document Document) error {
	snapshot := mirror.Snapshot{
		ID:        document.ID,
		Title:     document.Title,
		DocType:   document.DocType,
		Status:    document.Status,
		CreatedAt: document.CreatedAt,
		OwnerName: s.ownerName(ctx, document.OwnerID),
		Content:   document.Content,
	}
	if err := s.mirror.Write(ctx, snapshot); err != nil {
		s.logError(operation, "mirror_write_failed", err,
			zap.String("user_id", actor),
			zap.String("document_id", document.ID))
		return newServiceError(operation, "mirror_write_failed", err)
	}
	return nil
}

func (s *Service) ownerName(ctx context.Context, ownerID string) string {
	if s.owners == nil {
		return ownerID
	}
	name, err := s.owners.DisplayName(ctx, ownerID)
	if err != nil {
		s.loggerOrDefault().Warn("owner display name lookup failed",
			zap.String("owner_id", ownerID),
			zap.Error(err))
		return ownerID
	}
	if strings.TrimSpace(name) == "" {
		return ownerID
	}
	return name
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return newServiceError(operation, "missing_database", errMissingDatabase)
	}
	if s.mirror == nil {
		s.logError(operation, "missing_mirror", errMissingMirror)
		return newServiceError(operation, "missing_mirror", errMissingMirror)
	}
	if operation == opCreate && s.idProvider == nil {
		s.logError(operation, "missing_id_provider", errMissingIDProvider)
		return newServiceError(operation, "missing_id_provider", errMissingIDProvider)
	}
	return nil
}

func (s *Service) warnNotFound(operation, actor, documentID string) {
	s.loggerOrDefault().Warn("document not found",
		zap.String("operation", operation),
		zap.String("user_id", actor),
		zap.String("document_id", documentID))
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
