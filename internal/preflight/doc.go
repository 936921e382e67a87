// Package preflight checks that the machine and the configuration can run
// a crawl: free space and write access in the data directory, the open
// file limit, the crawl roots and the external tools the configuration
// names. The doctor command prints the results.
package preflight
