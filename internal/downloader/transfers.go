package downloader

import (
	"fmt"
	"sort"
	"strings"

	"resonance/internal/domain"
	"resonance/internal/remotepath"
)

// TransferSummary aggregates the file transfers of one task directory.
type TransferSummary struct {
	Status     domain.TaskStatus
	Total      int
	Queued     int
	Succeeded  int
	Failed     int
	Terminal   int
	Bytes      int64
	BytesDone  int64
	Progress   int
	ErrorKinds map[string]int
}

// Message summarises failed transfers, e.g. "2 of 10 files failed (Errored: 1, TimedOut: 1)".
func (s TransferSummary) Message() string {
	if s.Failed == 0 {
		return ""
	}
	kinds := make([]string, 0, len(s.ErrorKinds))
	for k := range s.ErrorKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s: %d", k, s.ErrorKinds[k])
	}
	return fmt.Sprintf("%d of %d files failed (%s)", s.Failed, s.Total, strings.Join(parts, ", "))
}

// SummarizeTransfers derives a task status from the states of its file
// transfers. Status is empty when there are no transfers.
func SummarizeTransfers(files []domain.TransferState) TransferSummary {
	s := TransferSummary{Total: len(files), ErrorKinds: map[string]int{}}
	for _, f := range files {
		s.Bytes += f.Size
		s.BytesDone += f.BytesTransferred

		state := f.State
		switch {
		case strings.HasPrefix(state, "Completed"):
			s.Terminal++
			kind := completionKind(state)
			if kind == "Succeeded" {
				s.Succeeded++
			} else {
				s.Failed++
				s.ErrorKinds[kind]++
			}
		case strings.HasPrefix(state, "Queued"), state == "Requested", state == "None", state == "":
			s.Queued++
		}
	}
	if s.Bytes > 0 {
		s.Progress = int(s.BytesDone * 100 / s.Bytes)
		if s.Progress > 100 {
			s.Progress = 100
		}
	}

	switch {
	case s.Total == 0:
	case s.Queued == s.Total:
		s.Status = domain.TaskStatusQueued
	case s.Succeeded == s.Total:
		s.Status = domain.TaskStatusCompleted
	case s.Bytes > 0 && s.BytesDone >= s.Bytes && s.Failed == 0:
		s.Status = domain.TaskStatusCompleted
	case s.Terminal == s.Total && s.Failed > 0:
		s.Status = domain.TaskStatusFailed
	default:
		s.Status = domain.TaskStatusDownloading
	}
	return s
}

// completionKind extracts "Errored" from "Completed, Errored".
func completionKind(state string) string {
	_, kind, ok := strings.Cut(state, ",")
	kind = strings.TrimSpace(kind)
	if !ok || kind == "" {
		return "Succeeded"
	}
	return kind
}

// findDirectory returns the transfers of username's directory, tolerating
// mixed separators and trailing slashes.
func findDirectory(peers []domain.PeerTransfers, username, directory string) *domain.TransferDirectory {
	for i := range peers {
		if peers[i].Username != username {
			continue
		}
		for j := range peers[i].Directories {
			if remotepath.SameDirectory(peers[i].Directories[j].Directory, directory) {
				return &peers[i].Directories[j]
			}
		}
	}
	return nil
}
