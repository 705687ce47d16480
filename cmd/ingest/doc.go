// Command ingest runs the crawl ingestion service.
//
// Subcommands:
//
//	serve    HTTP API plus the worker pool
//	worker   worker pool only
//	migrate  apply the Postgres schema
//	enqueue  admit crawl jobs for a source
//	stats    print dedup stats or source metrics as JSON
package main
