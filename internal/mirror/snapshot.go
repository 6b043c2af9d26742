package mirror

import (
	"strings"
	"time"
)

// CreatedAtLayout formats the creation timestamp in mirror files.
const CreatedAtLayout = "2006-01-02 15:04:05.999999-07:00"

// Snapshot is the document state rendered into a mirror file.
type Snapshot struct {
	ID        string
	Title     string
	DocType   string
	Status    string
	CreatedAt time.Time
	OwnerName string
	Content   string
}

// Render produces the fixed text layout of a mirror file.
func Render(snapshot Snapshot) string {
	var builder strings.Builder
	builder.Grow(len(snapshot.Title) + len(snapshot.Content) + 128)
	builder.WriteString("Title: ")
	builder.WriteString(snapshot.Title)
	builder.WriteString("\nType: ")
	builder.WriteString(snapshot.DocType)
	builder.WriteString("\nStatus: ")
	builder.WriteString(snapshot.Status)
	builder.WriteString("\nCreated At: ")
	builder.WriteString(snapshot.CreatedAt.UTC().Format(CreatedAtLayout))
	builder.WriteString("\nOwner: ")
	builder.WriteString(snapshot.OwnerName)
	builder.WriteString("\n\n--- Content ---\n")
	builder.WriteString(snapshot.Content)
	return builder.String()
}
