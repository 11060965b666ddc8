package views

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/agentworkforce/trackersync/internal/model"
)

type SortField string

const (
	SortByID          SortField = ""
	SortByTitle       SortField = "title"
	SortByStatus      SortField = "status"
	SortByPriority    SortField = "priority"
	SortByDueDate     SortField = "dueDate"
	SortByCompletedAt SortField = "completedAt"
	SortByCreatedAt   SortField = "createdAt"
	SortByUpdatedAt   SortField = "updatedAt"
)

type GroupField string

const (
	GroupNone     GroupField = ""
	GroupStatus   GroupField = "status"
	GroupPriority GroupField = "priority"
	GroupAssignee GroupField = "assignee"
	GroupProject  GroupField = "project"
)

// Spec describes one derived task view. Multi-valued filters match when
// any value matches; different filters must all match. Empty filters match
// everything.
type Spec struct {
	Search      string
	Statuses    []model.TaskStatus
	Priorities  []model.Priority
	Tags        []string
	AssigneeIDs []string
	ProjectIDs  []string
	// DueFrom and DueTo bound dueDate inclusively. Tasks without a due date
	// never satisfy a date bound.
	DueFrom *time.Time
	DueTo   *time.Time

	SortBy     SortField
	Descending bool
	GroupBy    GroupField
}

type Group struct {
	Key   string
	Items []model.Task
}

// Stats are computed over every task handed to Compute, not only the
// filtered ones; Matched is the filtered count.
type Stats struct {
	Total      int
	ByStatus   map[model.TaskStatus]int
	ByPriority map[model.Priority]int
	Overdue    int
	Matched    int
}

type Result struct {
	Items  []model.Task
	Groups []Group
	Stats  Stats
}

// Compute filters, sorts, groups and aggregates tasks. It does not modify
// tasks and depends on nothing but its arguments.
func Compute(tasks []model.Task, spec Spec, now time.Time) Result {
	m := newMatcher(spec)
	items := make([]model.Task, 0, len(tasks))
	for _, task := range tasks {
		if m.match(task) {
			items = append(items, task)
		}
	}
	sortTasks(items, spec.SortBy, spec.Descending)

	stats := aggregate(tasks, now)
	stats.Matched = len(items)
	return Result{
		Items:  items,
		Groups: group(items, spec.GroupBy),
		Stats:  stats,
	}
}

type matcher struct {
	spec     Spec
	needle   string
	fold     cases.Caser
	statuses map[model.TaskStatus]bool
	prios    map[model.Priority]bool
	tags     map[string]bool
	assigned map[string]bool
	projects map[string]bool
}

func newMatcher(spec Spec) *matcher {
	m := &matcher{spec: spec, fold: cases.Fold()}
	m.needle = m.fold.String(strings.TrimSpace(spec.Search))
	m.statuses = setOf(spec.Statuses)
	m.prios = setOf(spec.Priorities)
	m.tags = setOf(spec.Tags)
	m.assigned = setOf(spec.AssigneeIDs)
	m.projects = setOf(spec.ProjectIDs)
	return m
}

func setOf[K comparable](values []K) map[K]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[K]bool, len(values))
	for _, value := range values {
		out[value] = true
	}
	return out
}

func (m *matcher) match(task model.Task) bool {
	if m.statuses != nil && !m.statuses[task.Status] {
		return false
	}
	if m.prios != nil && !m.prios[task.Priority] {
		return false
	}
	if m.assigned != nil && !m.assigned[task.AssigneeID] {
		return false
	}
	if m.projects != nil && !m.projects[task.ProjectID] {
		return false
	}
	if m.tags != nil {
		found := false
		for _, tag := range task.Tags {
			if m.tags[tag] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.spec.DueFrom != nil || m.spec.DueTo != nil {
		if task.DueDate == nil {
			return false
		}
		if m.spec.DueFrom != nil && task.DueDate.Before(*m.spec.DueFrom) {
			return false
		}
		if m.spec.DueTo != nil && task.DueDate.After(*m.spec.DueTo) {
			return false
		}
	}
	if m.needle != "" {
		if !strings.Contains(m.fold.String(task.Title), m.needle) &&
			!strings.Contains(m.fold.String(task.Description), m.needle) {
			return false
		}
	}
	return true
}

// sortTasks orders items stably by field. Ties fall back to ascending natural
// id order and missing optional dates go last in either direction.
func sortTasks(items []model.Task, field SortField, descending bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		c, decided := compareMissing(a, b, field)
		if !decided {
			c = compareField(a, b, field)
			if descending {
				c = -c
			}
		}
		if c != 0 {
			return c < 0
		}
		return model.CompareIDs(a.ID, b.ID) < 0
	})
}

func compareMissing(a, b model.Task, field SortField) (int, bool) {
	var left, right *time.Time
	switch field {
	case SortByDueDate:
		left, right = a.DueDate, b.DueDate
	case SortByCompletedAt:
		left, right = a.CompletedAt, b.CompletedAt
	default:
		return 0, false
	}
	switch {
	case left == nil && right == nil:
		return 0, true
	case left == nil:
		return 1, true
	case right == nil:
		return -1, true
	}
	return 0, false
}

func compareField(a, b model.Task, field SortField) int {
	switch field {
	case SortByTitle:
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case SortByStatus:
		return compareInts(statusIndex(a.Status), statusIndex(b.Status))
	case SortByPriority:
		return compareInts(a.Priority.Rank(), b.Priority.Rank())
	case SortByDueDate:
		return a.DueDate.Compare(*b.DueDate)
	case SortByCompletedAt:
		return a.CompletedAt.Compare(*b.CompletedAt)
	case SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	default:
		return 0
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func statusIndex(status model.TaskStatus) int {
	for i, candidate := range model.TaskStatuses {
		if candidate == status {
			return i
		}
	}
	return len(model.TaskStatuses)
}

// Group keys used for tasks without an assignee or project.
const (
	UnassignedKey = "unassigned"
	NoProjectKey  = "no-project"
)

func group(items []model.Task, by GroupField) []Group {
	switch by {
	case GroupStatus:
		groups := make([]Group, len(model.TaskStatuses))
		index := map[string]int{}
		for i, status := range model.TaskStatuses {
			groups[i] = Group{Key: string(status), Items: []model.Task{}}
			index[string(status)] = i
		}
		return fill(groups, index, items, func(t model.Task) string { return string(t.Status) })
	case GroupPriority:
		groups := make([]Group, len(model.Priorities))
		index := map[string]int{}
		for i, priority := range model.Priorities {
			groups[i] = Group{Key: string(priority), Items: []model.Task{}}
			index[string(priority)] = i
		}
		return fill(groups, index, items, func(t model.Task) string { return string(t.Priority) })
	case GroupAssignee:
		return dynamicGroups(items, UnassignedKey, func(t model.Task) string { return t.AssigneeID })
	case GroupProject:
		return dynamicGroups(items, NoProjectKey, func(t model.Task) string { return t.ProjectID })
	default:
		return nil
	}
}

func fill(groups []Group, index map[string]int, items []model.Task, key func(model.Task) string) []Group {
	for _, item := range items {
		if i, ok := index[key(item)]; ok {
			groups[i].Items = append(groups[i].Items, item)
		}
	}
	return groups
}

// dynamicGroups buckets by first appearance; the empty key goes last.
func dynamicGroups(items []model.Task, emptyKey string, key func(model.Task) string) []Group {
	var groups []Group
	index := map[string]int{}
	var empty *Group
	for _, item := range items {
		k := key(item)
		if k == "" {
			if empty == nil {
				empty = &Group{Key: emptyKey}
			}
			empty.Items = append(empty.Items, item)
			continue
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	if empty != nil {
		groups = append(groups, *empty)
	}
	return groups
}

func aggregate(tasks []model.Task, now time.Time) Stats {
	stats := Stats{
		Total:      len(tasks),
		ByStatus:   make(map[model.TaskStatus]int, len(model.TaskStatuses)),
		ByPriority: make(map[model.Priority]int, len(model.Priorities)),
	}
	for _, status := range model.TaskStatuses {
		stats.ByStatus[status] = 0
	}
	for _, priority := range model.Priorities {
		stats.ByPriority[priority] = 0
	}
	for _, task := range tasks {
		stats.ByStatus[task.Status]++
		stats.ByPriority[task.Priority]++
		if task.Overdue(now) {
			stats.Overdue++
		}
	}
	return stats
}
