package scanner

// DetectMissing computes which existing catalog paths are absent from what
// was discovered on disk during this scan, folder-aware per spec §4.7
// phase 7: a file only counts as missing if its parent folder was actually
// scanned this run, or the parent folder no longer exists on disk at all.
// A file living inside a folder that was skipped (incremental cache hit)
// is assumed still present, even though it wasn't re-observed.
func DetectMissing(existingPaths []string, discoveredPaths map[string]bool, scannedFolderRel map[string]bool, folderExists func(rel string) bool, folderOf func(path string) string) []string {
	var missing []string
	for _, p := range existingPaths {
		if discoveredPaths[p] {
			continue
		}
		folder := folderOf(p)
		if scannedFolderRel[folder] || !folderExists(folder) {
			missing = append(missing, p)
		}
	}
	return missing
}
