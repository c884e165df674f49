package extract

import (
	"slices"
	"strings"
	"unicode"

	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

// Path is the processing route chosen for a document.
type Path string

const (
	PathSync  Path = "sync"
	PathAsync Path = "async"
)

// DefaultAsyncDocumentTypes are document categories too large or complex
// for a synchronous extraction.
var DefaultAsyncDocumentTypes = []string{
	"policy_document",
	"budget_report",
	"annual_report",
	"legal_text",
	"programme_document",
	"operational_programme",
}

// DefaultAsyncNameKeywords send a document to the async path when one of
// them is a word of its file name.
var DefaultAsyncNameKeywords = []string{
	"budget", "rapport", "report", "programme", "reglement",
	"decret", "annexe", "pac", "feader", "policy",
}

// Router decides between the sync and async extraction paths.
type Router struct {
	docTypes map[string]bool
	keywords [][]string
}

// NewRouter creates a Router. Empty arguments fall back to the defaults.
func NewRouter(docTypes, nameKeywords []string) *Router {
	if len(docTypes) == 0 {
		docTypes = DefaultAsyncDocumentTypes
	}
	if len(nameKeywords) == 0 {
		nameKeywords = DefaultAsyncNameKeywords
	}
	r := &Router{docTypes: make(map[string]bool, len(docTypes))}
	for _, t := range docTypes {
		r.docTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, k := range nameKeywords {
		if words := nameWords(k); len(words) > 0 {
			r.keywords = append(r.keywords, words)
		}
	}
	return r
}

// Route picks the path for a document. Names are compared word by word and
// accent-folded, so "règlement" and "reglement" are the same keyword while
// "pac" does not match "espace".
func (r *Router) Route(fileName, documentType string) Path {
	if r.docTypes[strings.ToLower(strings.TrimSpace(documentType))] {
		return PathAsync
	}
	name := nameWords(fileName)
	for _, k := range r.keywords {
		if containsWords(name, k) {
			return PathAsync
		}
	}
	return PathSync
}

// nameWords splits a folded name into its letter runs. Digits and
// punctuation separate words, so "pac2024" yields "pac".
func nameWords(s string) []string {
	return strings.FieldsFunc(textnorm.Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// containsWords reports whether kw appears as consecutive words of name.
// A trailing plural s on a name word is ignored.
func containsWords(name, kw []string) bool {
	for i := 0; i+len(kw) <= len(name); i++ {
		if slices.EqualFunc(name[i:i+len(kw)], kw, sameWord) {
			return true
		}
	}
	return false
}

func sameWord(w, kw string) bool {
	return w == kw || w == kw+"s"
}

var defaultRouter = NewRouter(nil, nil)

// Route routes with the default document types and keywords.
func Route(fileName, documentType string) Path {
	return defaultRouter.Route(fileName, documentType)
}
