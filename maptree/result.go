package maptree

// LoadResult is the outcome of a map or tile load. Data problems are
// reported through it rather than as errors so that callers can decide
// whether a failure is fatal to the map or tolerable for one tile.
type LoadResult int

const (
	Success LoadResult = iota
	FileNotFound
	VersionMismatch
	ReadFromFileFailed
)

func (r LoadResult) String() string {
	switch r {
	case Success:
		return "success"
	case FileNotFound:
		return "file_not_found"
	case VersionMismatch:
		return "version_mismatch"
	case ReadFromFileFailed:
		return "read_from_file_failed"
	default:
		return "unknown"
	}
}
