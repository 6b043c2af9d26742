package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultStatus is assigned when a draft omits its status.
const DefaultStatus = "draft"

const (
	maxIdentifierLength = 190
	maxTitleLength      = 255
	maxDocTypeLength    = 64
	maxStatusLength     = 32
	createdOnLayout     = "2006-01-02"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidTitle indicates a missing or oversized title.
	ErrInvalidTitle = errors.New("documents: invalid title")
	// ErrInvalidDocType indicates a missing or oversized doc_type.
	ErrInvalidDocType = errors.New("documents: invalid doc_type")
	// ErrInvalidStatus indicates an oversized status or one containing whitespace.
	ErrInvalidStatus = errors.New("documents: invalid status")
	// ErrInvalidCreatedOn indicates a created_at filter that is not a YYYY-MM-DD date.
	ErrInvalidCreatedOn = errors.New("documents: invalid created_at date")
	// ErrEmptyPatch indicates an update that carries no fields.
	ErrEmptyPatch = errors.New("documents: update carries no fields")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the persisted record. The row is authoritative; mirror files are derived from it.
type Document struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Title     string    `gorm:"column:title;size:255;not null"`
	DocType   string    `gorm:"column:doc_type;size:64;not null;index:idx_documents_doc_type"`
	Status    string    `gorm:"column:status;size:32;not null;index:idx_documents_status"`
	Content   string    `gorm:"column:content;type:text;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_documents_created"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Draft carries the caller-supplied fields of a new document.
type Draft struct {
	Title   string
	DocType string
	Status  string
	Content string
}

// Patch carries the fields of an update; nil fields are left unchanged.
type Patch struct {
	Title   *string
	DocType *string
	Status  *string
	Content *string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.DocType == nil && p.Status == nil && p.Content == nil
}

// Filter narrows List results. Zero-valued fields are ignored.
type Filter struct {
	Status    string
	DocType   string
	CreatedOn *time.Time
	Search    string
}

// ParseCreatedOn parses a YYYY-MM-DD calendar day in UTC.
func ParseCreatedOn(value string) (time.Time, error) {
	day, err := time.ParseInLocation(createdOnLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCreatedOn, value)
	}
	return day, nil
}

func (d Draft) normalized() (Draft, error) {
	normalized := Draft{
		Title:   strings.TrimSpace(d.Title),
		DocType: strings.TrimSpace(d.DocType),
		Status:  strings.TrimSpace(d.Status),
		Content: d.Content,
	}
	if normalized.Status == "" {
		normalized.Status = DefaultStatus
	}
	if err := validateTitle(normalized.Title); err != nil {
		return Draft{}, err
	}
	if err := validateDocType(normalized.DocType); err != nil {
		return Draft{}, err
	}
	if err := validateStatus(normalized.Status); err != nil {
		return Draft{}, err
	}
	return normalized, nil
}

func (p Patch) applyTo(document *Document) error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if err := validateTitle(title); err != nil {
			return err
		}
		document.Title = title
	}
	if p.DocType != nil {
		docType := strings.TrimSpace(*p.DocType)
		if err := validateDocType(docType); err != nil {
			return err
		}
		document.DocType = docType
	}
	if p.Status != nil {
		status := strings.TrimSpace(*p.Status)
		if err := validateStatus(status); err != nil {
			return err
		}
		document.Status = status
	}
	if p.Content != nil {
		document.Content = *p.Content
	}
	return nil
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return nil
}

func validateDocType(docType string) error {
	if docType == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocType)
	}
	if utf8.RuneCountInString(docType) > maxDocTypeLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocType, maxDocTypeLength)
	}
	return nil
}

func validateStatus(status string) error {
	if status == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStatus)
	}
	if utf8.RuneCountInString(status) > maxStatusLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidStatus, maxStatusLength)
	}
	if strings.ContainsAny(status, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidStatus)
	}
	return nil
}
