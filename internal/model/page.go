package model

import "time"

// PageStatus is the processing state of a harvested page.
type PageStatus string

const (
	PageStatusScraped    PageStatus = "scraped"
	PageStatusProcessing PageStatus = "processing"
	PageStatusProcessed  PageStatus = "processed"
	PageStatusFailed     PageStatus = "failed"
)

// Valid reports whether s is a known page status.
func (s PageStatus) Valid() bool {
	switch s {
	case PageStatusScraped, PageStatusProcessing, PageStatusProcessed, PageStatusFailed:
		return true
	}
	return false
}

// RawPage is a harvested source page. Only Status and a missing RunID may
// change after insert.
type RawPage struct {
	ID              string     `json:"id"`
	RunID           *string    `json:"run_id,omitempty"`
	SourceSite      string     `json:"source_site"`
	SourceURL       string     `json:"source_url"`
	Title           string     `json:"title,omitempty"`
	Language        string     `json:"language,omitempty"`
	RawHTML         string     `json:"raw_html,omitempty"`
	RawText         string     `json:"raw_text"`
	TextMarkdown    string     `json:"text_markdown"`
	ContentHash     string     `json:"content_hash"`
	AttachmentPaths []string   `json:"attachment_paths"`
	AttachmentCount int        `json:"attachment_count"`
	Status          PageStatus `json:"status"`
	ScrapeTimestamp time.Time  `json:"scrape_timestamp"`
}

// PageFilter selects raw pages for listing.
type PageFilter struct {
	SourceSite string
	Status     PageStatus
	RunID      string
	Limit      int
}
