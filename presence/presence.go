package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

// ChangeFunc is invoked for every effective status change. It must not
// block: the directory calls it while serialized so that observers see
// changes in arrival order.
type ChangeFunc func(providerID string, status model.Status)

// Directory is the authoritative in-memory map of provider
// availability. Unknown providers read as UNAVAILABLE; a status write
// for an unknown provider creates the entry.
type Directory struct {
	logger   zerolog.Logger
	onChange ChangeFunc

	mx *sync.Mutex
	db map[string]model.Status
}

func NewDirectory(logger *zerolog.Logger) *Directory {
	return &Directory{
		logger: logger.With().Str("component", "presence").Logger(),
		mx:     &sync.Mutex{},
		db:     make(map[string]model.Status),
	}
}

// OnChange registers the change observer. Must be called before the
// directory starts receiving writes.
func (d *Directory) OnChange(fn ChangeFunc) {
	d.onChange = fn
}

// Set records the provider's status and returns the previous one.
// Concurrent writes for the same provider resolve last-write-wins by
// arrival order here, not by any client-side clock.
func (d *Directory) Set(providerID string, status model.Status) model.Status {
	d.mx.Lock()
	defer d.mx.Unlock()

	prev, ok := d.db[providerID]
	if !ok {
		prev = model.StatusUnavailable
	}
	if prev == status {
		return prev
	}
	d.db[providerID] = status

	d.logger.Debug().
		Str("providerID", providerID).
		Str("status", string(status)).
		Msg("presence changed")
	if d.onChange != nil {
		d.onChange(providerID, status)
	}
	return prev
}

func (d *Directory) Get(providerID string) model.Status {
	d.mx.Lock()
	defer d.mx.Unlock()

	status, ok := d.db[providerID]
	if !ok {
		return model.StatusUnavailable
	}
	return status
}

// ListAvailable returns ids of providers currently AVAILABLE, sorted
// for stable output.
func (d *Directory) ListAvailable() []string {
	d.mx.Lock()
	defer d.mx.Unlock()

	ids := make([]string, 0, len(d.db))
	for id, status := range d.db {
		if status == model.StatusAvailable {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
