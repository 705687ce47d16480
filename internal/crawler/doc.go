// Package crawler defines the domain types, collaborator interfaces, and error
// taxonomy shared by the crawl ingestion pipeline: the job queue, quota
// manager, workers, dedup store, and their adapters.
package crawler
