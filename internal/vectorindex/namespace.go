package vectorindex

import (
	"strings"
)

// Category is the kind of content kept in a namespace.
type Category string

const (
	CategoryBookContent  Category = "book-content"
	CategoryUserDocument Category = "user-documents"
)

// Namespace returns the partition key "<category>-<environment>", e.g. "book-content-production".
func Namespace(category Category, environment string) string {
	env := strings.ToLower(strings.TrimSpace(environment))
	if env == "" {
		env = "development"
	}
	return string(category) + "-" + env
}

// Namespaces holds the partition keys for one deployment. Build it once from
// configuration and pass it around; never format namespaces ad hoc.
type Namespaces struct {
	BookContent  string
	UserDocument string
}

func NewNamespaces(environment string) Namespaces {
	return Namespaces{
		BookContent:  Namespace(CategoryBookContent, environment),
		UserDocument: Namespace(CategoryUserDocument, environment),
	}
}
