package scoring

import (
	"resonance/internal/domain"
	"resonance/internal/remotepath"
)

// DirectoryGroup is the set of a response's files sharing one parent directory.
type DirectoryGroup struct {
	Path      string              `json:"path"`
	Files     []domain.SearchFile `json:"files"`
	FileCount int                 `json:"fileCount"`
	TotalSize int64               `json:"totalSize"`
}

// GroupByDirectory groups files by canonical parent directory, keeping the
// first occurrence of each file name within a directory. Directories that
// differ only in case are separate groups. Groups are returned in order of
// first appearance.
func GroupByDirectory(files []domain.SearchFile) []DirectoryGroup {
	var groups []DirectoryGroup
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})

	for _, f := range files {
		dir := remotepath.Dir(f.Filename)
		i, ok := index[dir]
		if !ok {
			i = len(groups)
			index[dir] = i
			seen[dir] = make(map[string]struct{})
			groups = append(groups, DirectoryGroup{Path: dir})
		}
		name := remotepath.Base(f.Filename)
		if _, dup := seen[dir][name]; dup {
			continue
		}
		seen[dir][name] = struct{}{}
		g := &groups[i]
		g.Files = append(g.Files, f)
		g.FileCount++
		g.TotalSize += f.Size
	}
	return groups
}
