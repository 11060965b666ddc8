package dispatch

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/trackersync/internal/model"
	"github.com/agentworkforce/trackersync/internal/replica"
)

type routeEntry struct {
	schema *jsonschema.Schema
	remove bool
	apply  func(data json.RawMessage) (bool, error)
}

func (d *Dispatcher) buildRoutes() map[model.EventType]routeEntry {
	s := d.store
	return map[model.EventType]routeEntry{
		model.EventTaskCreated:          upsertRoute(s.Tasks, d.schemas.task),
		model.EventTaskUpdated:          upsertRoute(s.Tasks, d.schemas.task),
		model.EventTaskDeleted:          removeRoute(s.Tasks, d.schemas.deleted),
		model.EventProjectCreated:       upsertRoute(s.Projects, d.schemas.project),
		model.EventProjectUpdated:       upsertRoute(s.Projects, d.schemas.project),
		model.EventProjectDeleted:       removeRoute(s.Projects, d.schemas.deleted),
		model.EventNotificationReceived: upsertRoute(s.Notifications, d.schemas.notification),
		model.EventNotificationUpdated:  upsertRoute(s.Notifications, d.schemas.notification),
		model.EventNotificationDeleted:  removeRoute(s.Notifications, d.schemas.deleted),
	}
}

// upsertRoute applies a full record wholesale.
func upsertRoute[T replica.Entity[T]](target *replica.Replica[T], sch *jsonschema.Schema) routeEntry {
	return routeEntry{
		schema: sch,
		apply: func(data json.RawMessage) (bool, error) {
			var entity T
			if err := json.Unmarshal(data, &entity); err != nil {
				return false, err
			}
			return target.Upsert(entity), nil
		},
	}
}

func removeRoute[T replica.Entity[T]](target *replica.Replica[T], sch *jsonschema.Schema) routeEntry {
	return routeEntry{
		schema: sch,
		remove: true,
		apply: func(data json.RawMessage) (bool, error) {
			var ref model.DeletedRef
			if err := json.Unmarshal(data, &ref); err != nil {
				return false, err
			}
			return target.Remove(ref.ID), nil
		},
	}
}
