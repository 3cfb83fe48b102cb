package api

import "os"

// openCSV opens a local exchange export file for streaming import.
func openCSV(path string) (*os.File, error) {
	return os.Open(path)
}
