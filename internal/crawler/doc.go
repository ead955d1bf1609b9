// Package crawler holds the domain model shared by the crawl orchestrator:
// tasks, fetch results, artifacts, run statistics, collaborator interfaces,
// the failure taxonomy, and URL canonicalization and naming helpers.
package crawler
