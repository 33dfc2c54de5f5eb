package scoring

import (
	"strings"

	"resonance/internal/domain"
	"resonance/internal/quality"
	"resonance/internal/remotepath"
)

const (
	pointsPerFile      = 100
	albumFolderBonus   = 50
	completeAlbumBonus = 25
)

// SelectOptions controls directory bundle selection.
type SelectOptions struct {
	Settings domain.ScoringSettings
	Type     domain.TaskType
	// Title narrows a track task to the matching file within the bundle.
	Title string
	// Directory restricts selection to one directory, as chosen by a user.
	Directory string
}

// OptionsFor builds selection options for a task.
func OptionsFor(task *domain.Task, s domain.ScoringSettings) SelectOptions {
	return SelectOptions{Settings: s, Type: task.Type, Title: task.Title}
}

// Selection is the bundle chosen for download.
type Selection struct {
	Username  string
	Directory string
	Files     []domain.SearchFile
	TotalSize int64
	Quality   domain.QualityInfo
	Score     int
}

// SelectDownloadFiles picks the best directory bundle of a response. It
// returns nil when the response has no usable music files.
func SelectDownloadFiles(resp domain.SearchResponse, opts SelectOptions) *Selection {
	files := MusicFiles(resp.Files, opts.Settings)
	if len(files) == 0 {
		return nil
	}

	groups := GroupByDirectory(files)
	if opts.Directory != "" {
		var only []DirectoryGroup
		for _, g := range groups {
			if remotepath.SameDirectory(g.Path, opts.Directory) {
				only = append(only, g)
			}
		}
		groups = only
	}
	if len(groups) == 0 {
		return nil
	}

	minFiles := minFilesFor(opts)
	best, bestScore := groups[0], scoreGroup(groups[0], opts, minFiles)
	for _, g := range groups[1:] {
		s := scoreGroup(g, opts, minFiles)
		if betterGroup(g, s, best, bestScore) {
			best, bestScore = g, s
		}
	}

	chosen := best.Files
	if opts.Type == domain.TaskTypeTrack {
		chosen = []domain.SearchFile{bestTrackFile(best.Files, opts)}
	}
	var size int64
	for _, f := range chosen {
		size += f.Size
	}
	return &Selection{
		Username:  resp.Username,
		Directory: best.Path,
		Files:     chosen,
		TotalSize: size,
		Quality:   quality.Dominant(chosen),
		Score:     bestScore,
	}
}

func scoreGroup(g DirectoryGroup, opts SelectOptions, minFiles int) int {
	score := g.FileCount * pointsPerFile
	if opts.Settings.PreferAlbumFolder && looksLikeAlbumFolder(g.Path) {
		score += albumFolderBonus
	}
	if opts.Settings.PreferCompleteAlbum && g.FileCount >= minFiles {
		score += completeAlbumBonus
	}
	return score
}

// betterGroup orders groups by score, then file count, then total size, then
// path so the choice is a total order.
func betterGroup(g DirectoryGroup, score int, best DirectoryGroup, bestScore int) bool {
	if score != bestScore {
		return score > bestScore
	}
	if g.FileCount != best.FileCount {
		return g.FileCount > best.FileCount
	}
	if g.TotalSize != best.TotalSize {
		return g.TotalSize > best.TotalSize
	}
	return g.Path < best.Path
}

func looksLikeAlbumFolder(dir string) bool {
	return len(remotepath.Segments(dir)) >= 2 || strings.Contains(dir, " - ")
}

func minFilesFor(opts SelectOptions) int {
	if opts.Type == domain.TaskTypeTrack {
		return 1
	}
	if opts.Settings.MinAlbumTracks > 0 {
		return opts.Settings.MinAlbumTracks
	}
	return 1
}

func bestTrackFile(files []domain.SearchFile, opts SelectOptions) domain.SearchFile {
	title := strings.ToLower(strings.TrimSpace(opts.Title))
	candidates := files
	if title != "" {
		var matching []domain.SearchFile
		for _, f := range files {
			if strings.Contains(strings.ToLower(remotepath.Base(f.Filename)), title) {
				matching = append(matching, f)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	best := candidates[0]
	bestScore := quality.Score(quality.Extract(best), opts.Settings.Quality)
	for _, f := range candidates[1:] {
		s := quality.Score(quality.Extract(f), opts.Settings.Quality)
		if s > bestScore || (s == bestScore && f.Size > best.Size) {
			best, bestScore = f, s
		}
	}
	return best
}
