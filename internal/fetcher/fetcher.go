// Package fetcher provides the default archive and document collaborators:
// ZIP inspection over local files and a streaming reader for HL7 CDA
// checkup documents.
package fetcher
