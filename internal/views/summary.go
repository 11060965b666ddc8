package views

import "github.com/agentworkforce/trackersync/internal/model"

func UnreadCount(notifications []model.Notification) int {
	count := 0
	for _, notification := range notifications {
		if !notification.Read {
			count++
		}
	}
	return count
}

type Progress struct {
	Total   int
	Done    int
	Percent float64
}

// ProjectProgress reports how many of the project's tasks are DONE.
func ProjectProgress(projectID string, tasks []model.Task) Progress {
	var progress Progress
	for _, task := range tasks {
		if task.ProjectID != projectID {
			continue
		}
		progress.Total++
		if task.Status.Terminal() {
			progress.Done++
		}
	}
	if progress.Total > 0 {
		progress.Percent = float64(progress.Done) * 100 / float64(progress.Total)
	}
	return progress
}
