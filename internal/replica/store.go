package replica

import "github.com/agentworkforce/trackersync/internal/model"

// Store groups the per-type replicas. It is built once by the engine and
// passed to every component that reads or writes replicated state.
type Store struct {
	Tasks         *Replica[model.Task]
	Projects      *Replica[model.Project]
	Notifications *Replica[model.Notification]
}

func NewStore(policy RecencyPolicy) *Store {
	return &Store{
		Tasks:         New[model.Task](model.KindTask, policy),
		Projects:      New[model.Project](model.KindProject, policy),
		Notifications: New[model.Notification](model.KindNotification, policy),
	}
}

// Counts reports the number of records per kind.
func (s *Store) Counts() map[model.Kind]int {
	return map[model.Kind]int{
		model.KindTask:         s.Tasks.Len(),
		model.KindProject:      s.Projects.Len(),
		model.KindNotification: s.Notifications.Len(),
	}
}
